// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/loom/ci"
	"github.com/hashicorp/loom/helper/testlog"
	"github.com/hashicorp/loom/structs"
)

// testNormalOp returns a fresh Normal classified operation.
func testNormalOp(lotID, step, group string, duration, seq int) *structs.ClassifiedOp {
	return &structs.ClassifiedOp{
		Op: &structs.Operation{
			LotId: lotID, Step: step, MachineGroup: group,
			Duration: duration, Sequence: seq,
		},
		Class: structs.OpClassNormal,
	}
}

func testModelInput(cfg *structs.Config, groups map[string][]string, jobs ...*structs.Job) *WaveModelInput {
	return &WaveModelInput{
		Wave:        jobs,
		AllJobs:     jobs,
		Groups:      groups,
		Unavailable: map[string][]*structs.UnavailablePeriod{},
		Carried:     map[structs.TaskKey]structs.SolvedInterval{},
		Origin:      TestOrigin,
		Config:      cfg,
	}
}

func testModelConfig() *structs.Config {
	cfg := structs.DefaultConfig()
	cfg.StartTime = TestOrigin
	cfg.SolverMaxTimeSeconds = 5
	cfg.SolverNumWorkers = 1
	cfg.QTimePairs = nil
	return cfg
}

func solveModel(t *testing.T, cfg *structs.Config, wm *WaveModel) *WaveSolution {
	t.Helper()
	sol, err := SolveWave(testlog.HCLogger(t), cfg, wm, 0)
	must.NoError(t, err)
	return sol
}

func TestBuildWaveModel_Basic(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
			{Step: "STEP1", Duration: 60}, {Step: "STEP2", Duration: 30},
		}},
		Ops: []*structs.ClassifiedOp{
			testNormalOp("L1", "STEP1", "G1", 60, 1),
			testNormalOp("L1", "STEP2", "G1", 30, 2),
		},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)
	must.Eq(t, 90+cfg.HorizonBufferMinutes, wm.Horizon)
	must.MapLen(t, 2, wm.Tasks)

	sol := solveModel(t, cfg, wm)
	s1 := sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}]
	s2 := sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP2"}]
	must.Eq(t, 0, s1.StartMin)
	must.Eq(t, 60, s1.EndMin)
	must.Eq(t, "M1", s1.Machine)
	must.GreaterEq(t, 60, s2.StartMin)
	must.Eq(t, s2.StartMin+30, s2.EndMin)
}

func TestBuildWaveModel_Release(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	planStart := TestOrigin.Add(2 * time.Hour)
	job := &structs.Job{
		Lot: &structs.Lot{
			LotId:         "L1",
			PlanStartTime: &planStart,
			Operations:    []*structs.Operation{{Step: "STEP1", Duration: 30}},
		},
		Ops: []*structs.ClassifiedOp{testNormalOp("L1", "STEP1", "G1", 30, 1)},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	must.GreaterEq(t, 120, sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}].StartMin)
}

func TestBuildWaveModel_CompletedSentinel(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	// Finished before the origin: no occupancy, and the successor is free to
	// start at zero.
	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
			{Step: "STEP1", Duration: 60}, {Step: "STEP2", Duration: 30},
		}},
		Ops: []*structs.ClassifiedOp{
			{
				Op:    &structs.Operation{LotId: "L1", Step: "STEP1", Duration: 60},
				Class: structs.OpClassCompleted,
				Fixed: &structs.FixedInterval{
					Start:   TestOrigin.Add(-3 * time.Hour),
					End:     TestOrigin.Add(-2 * time.Hour),
					Machine: "M1",
				},
			},
			testNormalOp("L1", "STEP2", "G1", 30, 2),
		},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	done := sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}]
	must.Eq(t, 0, done.StartMin)
	must.Eq(t, 0, done.EndMin)
	must.Eq(t, 0, sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP2"}].StartMin)
}

func TestBuildWaveModel_CompletedOccupies(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	// Still occupying its machine past the origin; the Normal successor on
	// the same single machine must wait for both the precedence and the
	// occupancy to clear.
	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
			{Step: "STEP1", Duration: 120}, {Step: "STEP2", Duration: 30},
		}},
		Ops: []*structs.ClassifiedOp{
			{
				Op:    &structs.Operation{LotId: "L1", Step: "STEP1", Duration: 120},
				Class: structs.OpClassCompleted,
				Fixed: &structs.FixedInterval{
					Start:   TestOrigin.Add(-1 * time.Hour),
					End:     TestOrigin.Add(1 * time.Hour),
					Machine: "M1",
				},
			},
			testNormalOp("L1", "STEP2", "G1", 30, 2),
		},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	must.GreaterEq(t, 60, sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP2"}].StartMin)
}

func TestBuildWaveModel_WIPChain(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
			{Step: "STEP1", Duration: 60}, {Step: "STEP2", Duration: 30},
		}},
		Ops: []*structs.ClassifiedOp{
			{
				Op:             &structs.Operation{LotId: "L1", Step: "STEP1", Duration: 60},
				Class:          structs.OpClassWIP,
				Fixed:          &structs.FixedInterval{Machine: "M1"},
				ElapsedMinutes: 20,
			},
			testNormalOp("L1", "STEP2", "G1", 30, 2),
		},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	wip := sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}]
	must.Eq(t, 0, wip.StartMin)
	must.Eq(t, 40, wip.EndMin)
	must.GreaterEq(t, 40, sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP2"}].StartMin)
}

func TestBuildWaveModel_WIPAfterNormal(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
			{Step: "STEP1", Duration: 60}, {Step: "STEP2", Duration: 30},
		}},
		Ops: []*structs.ClassifiedOp{
			testNormalOp("L1", "STEP1", "G1", 60, 1),
			{
				Op:    &structs.Operation{LotId: "L1", Step: "STEP2", Duration: 30},
				Class: structs.OpClassWIP,
				Fixed: &structs.FixedInterval{Machine: "M1"},
			},
		},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	_, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.Error(t, err)
	must.ErrorContains(t, err, "follows an unscheduled operation")
}

func TestBuildWaveModel_UnknownMachine(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{{Step: "STEP1", Duration: 60}}},
		Ops: []*structs.ClassifiedOp{{
			Op:    &structs.Operation{LotId: "L1", Step: "STEP1", Duration: 60},
			Class: structs.OpClassFrozen,
			Fixed: &structs.FixedInterval{
				Start:   TestOrigin.Add(1 * time.Hour),
				End:     TestOrigin.Add(2 * time.Hour),
				Machine: "GHOST",
			},
		}},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	_, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.Error(t, err)
	must.ErrorContains(t, err, "not an active member")
}

func TestBuildWaveModel_EmptyGroup(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{{Step: "STEP1", Duration: 60}}},
		Ops: []*structs.ClassifiedOp{testNormalOp("L1", "STEP1", "G9", 60, 1)},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	_, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.Error(t, err)
	must.ErrorContains(t, err, "no active members")
}

func TestBuildWaveModel_CarriedOccupancy(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L2", Operations: []*structs.Operation{{Step: "STEP1", Duration: 30}}},
		Ops: []*structs.ClassifiedOp{testNormalOp("L2", "STEP1", "G1", 30, 1)},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)
	in.Carried[structs.TaskKey{LotId: "L1", Step: "STEP1"}] = structs.SolvedInterval{
		StartMin: 0, EndMin: 60, Machine: "M1",
	}

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	must.GreaterEq(t, 60, sol.Solved[structs.TaskKey{LotId: "L2", Step: "STEP1"}].StartMin)
}

func TestBuildWaveModel_Unavailability(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()

	job := &structs.Job{
		Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{{Step: "STEP1", Duration: 30}}},
		Ops: []*structs.ClassifiedOp{testNormalOp("L1", "STEP1", "G1", 30, 1)},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)
	in.Unavailable = map[string][]*structs.UnavailablePeriod{
		"M1": {{
			ID: "PM1", MachineId: "M1",
			// Started before the origin, clamps to [0, 60).
			StartTime: TestOrigin.Add(-30 * time.Minute),
			EndTime:   TestOrigin.Add(60 * time.Minute),
		}},
	}

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	must.GreaterEq(t, 60, sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}].StartMin)
}

func TestBuildWaveModel_QTimeConstraintCount(t *testing.T) {
	ci.Parallel(t)

	mkJob := func() *structs.Job {
		return &structs.Job{
			Lot: &structs.Lot{LotId: "L1", Operations: []*structs.Operation{
				{Step: "STEP3", Duration: 30}, {Step: "STEP4", Duration: 30},
			}},
			Ops: []*structs.ClassifiedOp{
				testNormalOp("L1", "STEP3", "G1", 30, 1),
				testNormalOp("L1", "STEP4", "G1", 30, 2),
			},
		}
	}
	groups := map[string][]string{"G1": {"M1", "M2"}}

	cfg := testModelConfig()
	base, err := BuildWaveModel(testlog.HCLogger(t), testModelInput(cfg, groups, mkJob()))
	must.NoError(t, err)

	cfg2 := testModelConfig()
	cfg2.QTimePairs = []structs.QTimePair{{Earlier: "STEP3", Later: "STEP4", MaxGapMinutes: 200}}
	coupled, err := BuildWaveModel(testlog.HCLogger(t), testModelInput(cfg2, groups, mkJob()))
	must.NoError(t, err)

	must.Eq(t, base.Model.NumConstraints()+1, coupled.Model.NumConstraints())
}

func TestBuildWaveModel_WeightedDelayObjective(t *testing.T) {
	ci.Parallel(t)
	cfg := testModelConfig()
	cfg.FastVerification = false
	cfg.ObjectiveType = structs.ObjectiveWeightedDelay

	due := TestOrigin.Add(30 * time.Minute)
	job := &structs.Job{
		Lot: &structs.Lot{
			LotId: "L1", Priority: 2, DueDate: &due,
			Operations: []*structs.Operation{{Step: "STEP1", Duration: 60}},
		},
		Ops: []*structs.ClassifiedOp{testNormalOp("L1", "STEP1", "G1", 60, 1)},
	}
	in := testModelInput(cfg, map[string][]string{"G1": {"M1"}}, job)

	wm, err := BuildWaveModel(testlog.HCLogger(t), in)
	must.NoError(t, err)

	sol := solveModel(t, cfg, wm)
	got := sol.Solved[structs.TaskKey{LotId: "L1", Step: "STEP1"}]
	must.Eq(t, 0, got.StartMin)
	must.Eq(t, 60, got.EndMin)
}
