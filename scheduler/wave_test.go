// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/loom/ci"
	"github.com/hashicorp/loom/structs"
)

// progressRecorder captures the human-facing progress stream.
type progressRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (p *progressRecorder) record(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, fmt.Sprintf(format, args...))
}

func (p *progressRecorder) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// fakeClock hands out strictly increasing timestamps so consecutive runs get
// distinct plan and schedule ids.
func fakeClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestIncrementalScheduler_Run(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.SeedMachines(t, "G1", "M1")
	h.SeedLot(t, "L1", "G1", 60, "STEP1", "STEP2")

	rec := &progressRecorder{}
	h.Sched.SetProgress(rec.record)
	h.Sched.now = fakeClock(TestOrigin)

	res, err := h.Sched.Run()
	must.NoError(t, err)
	must.Eq(t, 1, res.Lots)
	must.Eq(t, 1, res.Waves)
	must.Eq(t, 0, res.FailedWaves)
	must.False(t, res.Partial)
	must.MapLen(t, 2, res.Results)
	must.StrHasPrefix(t, "PLAN_", res.PlanID)
	must.StrHasPrefix(t, "SCH_INC_", res.ScheduleID)

	// The lot chains through M1 back to back from the origin.
	r1 := res.Results[structs.TaskKey{LotId: "L1", Step: "STEP1"}]
	r2 := res.Results[structs.TaskKey{LotId: "L1", Step: "STEP2"}]
	must.Eq(t, TestOrigin, r1.Start)
	must.Eq(t, TestOrigin.Add(60*time.Minute), r1.End)
	must.Eq(t, "M1", r1.Machine)
	must.Eq(t, TestOrigin.Add(120*time.Minute), r2.End)

	// Writeback landed in the store.
	lot, err := h.Store.Lot("L1")
	must.NoError(t, err)
	must.NotNil(t, lot.PlanStartTime)
	must.True(t, lot.PlanStartTime.Equal(TestOrigin))
	must.NotNil(t, lot.PlanFinishDate)
	must.True(t, lot.PlanFinishDate.Equal(TestOrigin.Add(120*time.Minute)))
	must.Nil(t, lot.DelayDays)
	for _, op := range lot.Operations {
		must.Eq(t, "M1", op.PlanMachineId)
		must.Len(t, 1, op.PlanHistory)
		must.Eq(t, res.PlanID, op.PlanHistory[0].PlanID)
	}

	// Utilization over the solved window.
	rows, err := h.Store.Utilization(res.PlanID)
	must.NoError(t, err)
	must.Len(t, 1, rows)
	must.Eq(t, "G1", rows[0].GroupId)
	must.Eq(t, 120, rows[0].UsedMinutes)
	must.Eq(t, 120, rows[0].CapacityMinutes)
	must.Eq(t, 1.0, rows[0].UtilizationRate)

	// Run history with the emitted documents attached.
	hist, err := h.Store.JobHistories(0)
	must.NoError(t, err)
	must.Len(t, 1, hist)
	must.Eq(t, res.ScheduleID, hist[0].ScheduleId)
	must.Eq(t, "SYSTEM", hist[0].CreatedBy)
	must.Eq(t, "Incremental Schedule - 1 lots", hist[0].PlanSummary)
	must.NotNil(t, hist[0].StepJSON)

	// All four artifacts on disk.
	for _, name := range []string{fileRawSnapshot, fileStepResult, filePlanResult, fileTaskSegment} {
		_, err := os.Stat(filepath.Join(h.Config.OutputDir, name))
		must.NoError(t, err)
	}

	var steps []map[string]any
	data, err := os.ReadFile(filepath.Join(h.Config.OutputDir, fileStepResult))
	must.NoError(t, err)
	must.NoError(t, json.Unmarshal(data, &steps))
	must.Len(t, 2, steps)
	must.Eq(t, "L1", steps[0]["LotId"].(string))
	must.Eq(t, float64(structs.BookingNewPlan), steps[0]["Booking"].(float64))

	// Progress narration bookends.
	lines := rec.all()
	must.SliceNotEmpty(t, lines)
	must.Eq(t, ">>> Solving Batch 1/1 (1 lots) - Progress: 0%", lines[0])
	must.StrHasPrefix(t, "Batch 1 solved: FEASIBLE", lines[1])
	must.Eq(t, ">>> All batches solved! (100% Progress)", lines[len(lines)-1])
}

func TestIncrementalScheduler_Run_MultiWave(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.SeedMachines(t, "G1", "M1")

	// One over the batch threshold, all contending for the same machine, so
	// the run splits into an initial wave of 30 plus a step wave of 3 and the
	// later wave must plan around the occupancy carried from the first.
	lots := h.Config.BatchThreshold + h.Config.BatchStepSize
	for i := 0; i < lots; i++ {
		h.SeedLot(t, fmt.Sprintf("L%03d", i), "G1", 10, "STEP1")
	}

	rec := &progressRecorder{}
	h.Sched.SetProgress(rec.record)
	h.Sched.now = fakeClock(TestOrigin)

	res, err := h.Sched.Run()
	must.NoError(t, err)
	must.Eq(t, lots, res.Lots)
	must.Eq(t, 2, res.Waves)
	must.Eq(t, 0, res.FailedWaves)
	must.False(t, res.Partial)
	must.MapLen(t, lots, res.Results)

	// Every lot landed on the single machine with its full duration.
	intervals := make([]structs.OpResult, 0, lots)
	for _, r := range res.Results {
		must.Eq(t, "M1", r.Machine)
		must.Eq(t, 10*time.Minute, r.End.Sub(r.Start))
		must.False(t, r.Start.Before(TestOrigin))
		intervals = append(intervals, r)
	}

	// The second wave planned around the first wave's occupancy: no two
	// intervals overlap anywhere on the machine.
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].Start.Before(intervals[j].Start)
	})
	for i := 1; i < len(intervals); i++ {
		must.False(t, intervals[i].Start.Before(intervals[i-1].End),
			must.Sprintf("interval %d [%s, %s) overlaps previous end %s",
				i, intervals[i].Start, intervals[i].End, intervals[i-1].End))
	}

	lines := rec.all()
	must.SliceContains(t, lines, ">>> Solving Batch 1/2 (30 lots) - Progress: 0%")
	must.SliceContains(t, lines, ">>> Solving Batch 2/2 (3 lots) - Progress: 50%")
	must.Eq(t, ">>> All batches solved! (100% Progress)", lines[len(lines)-1])
}

func TestIncrementalScheduler_Run_Replan(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.SeedMachines(t, "G1", "M1")
	h.SeedLot(t, "L1", "G1", 60, "STEP1")

	h.Sched.now = fakeClock(TestOrigin)

	first, err := h.Sched.Run()
	must.NoError(t, err)
	second, err := h.Sched.Run()
	must.NoError(t, err)
	must.NotEq(t, first.ScheduleID, second.ScheduleID)

	// The second run sees the first plan and marks the step replanned.
	data, err := os.ReadFile(filepath.Join(h.Config.OutputDir, fileStepResult))
	must.NoError(t, err)
	var steps []map[string]any
	must.NoError(t, json.Unmarshal(data, &steps))
	must.Len(t, 1, steps)
	must.Eq(t, float64(structs.BookingReplanned), steps[0]["Booking"].(float64))

	lot, err := h.Store.Lot("L1")
	must.NoError(t, err)
	must.Len(t, 2, lot.Operations[0].PlanHistory)

	hist, err := h.Store.JobHistories(0)
	must.NoError(t, err)
	must.Len(t, 2, hist)
}

func TestIncrementalScheduler_Run_Empty(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.SeedMachines(t, "G1", "M1")

	rec := &progressRecorder{}
	h.Sched.SetProgress(rec.record)

	res, err := h.Sched.Run()
	must.NoError(t, err)
	must.Eq(t, 0, res.Lots)
	must.Eq(t, "", res.PlanID)
	must.MapLen(t, 0, res.Results)
	must.False(t, res.Partial)

	hist, err := h.Store.JobHistories(0)
	must.NoError(t, err)
	must.Len(t, 0, hist)

	lines := rec.all()
	must.Len(t, 1, lines)
	must.Eq(t, "No jobs to schedule.", lines[0])
}

func TestIncrementalScheduler_Run_SolverFailure(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.SeedMachines(t, "G1", "M1")
	h.SeedLot(t, "L1", "G1", 60, "STEP1")
	h.SeedLot(t, "L2", "G1", 60, "STEP1")

	// Two frozen windows overlapping on the same machine cannot coexist.
	window := []*structs.FrozenOperation{
		{
			LotId: "L1", Step: "STEP1", MachineId: "M1",
			StartTime: TestOrigin.Add(1 * time.Hour),
			EndTime:   TestOrigin.Add(2 * time.Hour),
		},
		{
			LotId: "L2", Step: "STEP1", MachineId: "M1",
			StartTime: TestOrigin.Add(90 * time.Minute),
			EndTime:   TestOrigin.Add(150 * time.Minute),
		},
	}
	must.NoError(t, h.Store.UpsertFrozenOperations(window))

	rec := &progressRecorder{}
	h.Sched.SetProgress(rec.record)
	h.Sched.now = fakeClock(TestOrigin)

	res, err := h.Sched.Run()
	must.NoError(t, err)
	must.Eq(t, 1, res.FailedWaves)
	must.False(t, res.Partial)
	must.MapLen(t, 0, res.Results)

	var failLine string
	for _, line := range rec.all() {
		if strings.HasPrefix(line, "Batch 1 failed") {
			failLine = line
		}
	}
	must.Eq(t, "Batch 1 failed or no solution: INFEASIBLE", failLine)
}

func TestIncrementalScheduler_Run_InvalidConfig(t *testing.T) {
	ci.Parallel(t)
	h := NewHarness(t)
	h.Config.StartTime = time.Time{}

	_, err := h.Sched.Run()
	must.Error(t, err)
	must.ErrorContains(t, err, "start time is required")
}

func TestBatchJobs(t *testing.T) {
	ci.Parallel(t)

	cfg := structs.DefaultConfig()
	mk := func(n int) []*structs.Job {
		jobs := make([]*structs.Job, n)
		for i := range jobs {
			jobs[i] = &structs.Job{Lot: &structs.Lot{LotId: fmt.Sprintf("L%03d", i)}}
		}
		return jobs
	}

	t.Run("under threshold", func(t *testing.T) {
		waves := batchJobs(mk(30), cfg)
		must.Len(t, 1, waves)
		must.Len(t, 30, waves[0])
	})

	t.Run("over threshold", func(t *testing.T) {
		waves := batchJobs(mk(100), cfg)
		must.Len(t, 25, waves)
		must.Len(t, 30, waves[0])
		must.Len(t, 3, waves[1])
		must.Len(t, 1, waves[len(waves)-1])

		total := 0
		for _, w := range waves {
			total += len(w)
		}
		must.Eq(t, 100, total)
	})
}
