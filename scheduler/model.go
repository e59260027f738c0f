// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/loom/cpsat"
	"github.com/hashicorp/loom/structs"
)

// TaskHandle exposes one operation's variables in a wave model. Fixed
// classes carry constants; Normal operations carry decision variables plus
// the machine choice.
type TaskHandle struct {
	Key   structs.TaskKey
	Class structs.OpClass
	Op    *structs.ClassifiedOp

	Start *cpsat.IntVar
	End   *cpsat.IntVar

	// Fixed classes: the resolved occupancy in minutes from origin plus the
	// pinned machine. A sentinel (completed before origin) has StartMin ==
	// EndMin == 0 and no occupancy.
	StartMin int
	EndMin   int
	Machine  string

	// Normal only.
	MachineChoice *cpsat.IntVar
	Members       []string
}

// Fixed reports whether the task was resolved at build time.
func (t *TaskHandle) Fixed() bool { return t.Class != structs.OpClassNormal }

// WaveModel is one wave's constraint model plus its task map.
type WaveModel struct {
	Model   *cpsat.Model
	Horizon int
	Tasks   map[structs.TaskKey]*TaskHandle
}

// WaveModelInput carries everything a wave model is built from.
type WaveModelInput struct {
	// Wave is the lot slice being solved.
	Wave []*structs.Job

	// AllJobs is the full working set; the horizon is derived from it so
	// every wave of a run shares one horizon.
	AllJobs []*structs.Job

	Groups      map[string][]string
	Unavailable map[string][]*structs.UnavailablePeriod

	// Carried holds the solved intervals of prior waves; they become fixed
	// occupancies in this model.
	Carried map[structs.TaskKey]structs.SolvedInterval

	Origin time.Time
	Config *structs.Config
}

// BuildWaveModel translates one wave into a constraint model. It is purely
// constructive; impossible inputs surface as ModelErrors.
func BuildWaveModel(logger hclog.Logger, in *WaveModelInput) (*WaveModel, error) {
	logger = logger.Named("model")
	cfg := in.Config

	horizon := 0
	for _, job := range in.AllJobs {
		if d := job.Lot.TotalDuration(); d > horizon {
			horizon = d
		}
	}
	horizon += cfg.HorizonBufferMinutes

	m := cpsat.NewModel()
	wm := &WaveModel{
		Model:   m,
		Horizon: horizon,
		Tasks:   make(map[structs.TaskKey]*TaskHandle),
	}

	machines := set.New[string](16)
	occupancy := make(map[string][]*cpsat.Interval)
	for _, members := range in.Groups {
		for _, machine := range members {
			machines.Insert(machine)
			if _, ok := occupancy[machine]; !ok {
				occupancy[machine] = nil
			}
		}
	}
	occupy := func(machine string, iv *cpsat.Interval) error {
		if !machines.Contains(machine) {
			return structs.NewModelError("machine %q is not an active member of any group", machine)
		}
		occupancy[machine] = append(occupancy[machine], iv)
		return nil
	}

	// Solved intervals from prior waves are immovable occupancies.
	for key, res := range in.Carried {
		dur := res.EndMin - res.StartMin
		if dur <= 0 {
			continue
		}
		iv := m.NewFixedSizeIntervalVar(m.NewConstant(res.StartMin), dur, fmt.Sprintf("fix_%s", key))
		if err := occupy(res.Machine, iv); err != nil {
			return nil, err
		}
	}

	// Unavailability windows clamp to [0, horizon]; machines outside the
	// active groups are ignored.
	for machine, periods := range in.Unavailable {
		if !machines.Contains(machine) {
			continue
		}
		for _, p := range periods {
			s := structs.MinutesBetween(in.Origin, p.StartTime)
			e := structs.MinutesBetween(in.Origin, p.EndTime)
			if e <= 0 || s >= horizon {
				continue
			}
			s = max(0, s)
			e = min(horizon, e)
			if e <= s {
				continue
			}
			iv := m.NewFixedSizeIntervalVar(m.NewConstant(s), e-s, fmt.Sprintf("unav_%s_%s", machine, p.ID))
			occupancy[machine] = append(occupancy[machine], iv)
		}
	}

	for _, job := range in.Wave {
		if err := buildJob(logger, m, wm, occupy, in, job, horizon); err != nil {
			return nil, err
		}
	}

	// One no-overlap disjunction per machine.
	for _, ivs := range occupancy {
		if len(ivs) > 0 {
			m.AddNoOverlap(ivs)
		}
	}

	// Q-time coupling within each lot of the wave.
	for _, pair := range cfg.QTimePairs {
		for _, job := range in.Wave {
			from, ok1 := wm.Tasks[structs.TaskKey{LotId: job.Lot.LotId, Step: pair.Earlier}]
			to, ok2 := wm.Tasks[structs.TaskKey{LotId: job.Lot.LotId, Step: pair.Later}]
			if !ok1 || !ok2 {
				continue
			}
			m.AddLessOrEqual(cpsat.Minus(to.Start, from.End), pair.MaxGapMinutes)
		}
	}

	if !cfg.FastVerification {
		buildObjective(m, wm, in, horizon)
	}

	logger.Debug("built wave model",
		"lots", len(in.Wave), "horizon", horizon,
		"variables", m.NumVariables(), "constraints", m.NumConstraints(), "intervals", m.NumIntervals())
	return wm, nil
}

// buildJob adds one lot's operations to the model, walking them in sequence
// order and carrying the previous end forward.
func buildJob(logger hclog.Logger, m *cpsat.Model, wm *WaveModel,
	occupy func(string, *cpsat.Interval) error, in *WaveModelInput, job *structs.Job, horizon int) error {

	lot := job.Lot.LotId
	release := job.Lot.ReleaseMinutes(in.Origin)
	logger.Debug("release constraint", "lot", lot, "minutes", release)

	// prevEnd is a constant while the prefix is fixed, and becomes the
	// previous end variable once a Normal operation is reached.
	prevEndConst := release
	var prevEndVar *cpsat.IntVar

	for _, cop := range job.Ops {
		op := cop.Op
		key := structs.TaskKey{LotId: lot, Step: op.Step}
		handle := &TaskHandle{Key: key, Class: cop.Class, Op: cop}

		switch cop.Class {
		case structs.OpClassCompleted, structs.OpClassFrozen:
			s := max(0, structs.MinutesBetween(in.Origin, cop.Fixed.Start))
			e := structs.MinutesBetween(in.Origin, cop.Fixed.End)
			if e <= 0 {
				// Finished before the origin: zero-length sentinel, no
				// occupancy.
				handle.Start, handle.End = m.NewConstant(0), m.NewConstant(0)
				handle.Machine = cop.Fixed.Machine
				prevEndConst, prevEndVar = 0, nil
				wm.Tasks[key] = handle
				continue
			}
			handle.Start, handle.End = m.NewConstant(s), m.NewConstant(e)
			handle.StartMin, handle.EndMin = s, e
			handle.Machine = cop.Fixed.Machine
			iv := m.NewFixedSizeIntervalVar(handle.Start, e-s, fmt.Sprintf("%s_%s_%s", lot, op.Step, cop.Class))
			if err := occupy(cop.Fixed.Machine, iv); err != nil {
				return err
			}
			prevEndConst, prevEndVar = e, nil

		case structs.OpClassWIP:
			if prevEndVar != nil {
				return structs.NewModelError("WIP operation %s follows an unscheduled operation", key)
			}
			remaining := max(0, op.Duration-cop.ElapsedMinutes)
			s := prevEndConst
			e := s + remaining
			handle.Start, handle.End = m.NewConstant(s), m.NewConstant(e)
			handle.StartMin, handle.EndMin = s, e
			handle.Machine = cop.Fixed.Machine
			if remaining > 0 {
				iv := m.NewFixedSizeIntervalVar(handle.Start, remaining, fmt.Sprintf("%s_%s_wip", lot, op.Step))
				if err := occupy(cop.Fixed.Machine, iv); err != nil {
					return err
				}
			}
			prevEndConst = e

		default: // Normal
			members := in.Groups[op.MachineGroup]
			if len(members) == 0 {
				return structs.NewModelError("operation %s: machine group %q has no active members", key, op.MachineGroup)
			}
			start := m.NewIntVar(0, horizon, fmt.Sprintf("%s_%s_start", lot, op.Step))
			end := m.NewIntVar(0, horizon, fmt.Sprintf("%s_%s_end", lot, op.Step))
			choice := m.NewIntVar(0, len(members)-1, fmt.Sprintf("%s_%s_machine", lot, op.Step))

			if prevEndVar != nil {
				m.AddGreaterOrEqual(cpsat.Minus(start, prevEndVar), 0)
			} else {
				m.AddGreaterOrEqual(cpsat.Var(start), prevEndConst)
			}

			lits := make([]cpsat.Literal, 0, len(members))
			for i, machine := range members {
				p := m.NewBoolVar(fmt.Sprintf("%s_%s_p_%d", lot, op.Step, i))
				iv := m.NewOptionalIntervalVar(start, op.Duration, end, p, fmt.Sprintf("%s_%s_%s", lot, op.Step, machine))
				if err := occupy(machine, iv); err != nil {
					return err
				}
				m.AddEquality(cpsat.Var(choice), i).OnlyEnforceIf(p.Lit())
				m.AddNotEqual(cpsat.Var(choice), i).OnlyEnforceIf(p.Not())
				lits = append(lits, p.Lit())
			}
			m.AddExactlyOne(lits...)

			handle.Start, handle.End = start, end
			handle.MachineChoice = choice
			handle.Members = members
			prevEndVar = end
		}

		wm.Tasks[key] = handle
	}
	return nil
}

// buildObjective attaches the configured objective over the wave's last-step
// completion times.
func buildObjective(m *cpsat.Model, wm *WaveModel, in *WaveModelInput, horizon int) {
	cfg := in.Config

	lastEnds := make([]*cpsat.IntVar, 0, len(in.Wave))
	for _, job := range in.Wave {
		key := structs.TaskKey{LotId: job.Lot.LotId, Step: job.Lot.LastStep()}
		if t, ok := wm.Tasks[key]; ok {
			lastEnds = append(lastEnds, t.End)
		}
	}
	if len(lastEnds) == 0 {
		return
	}

	makespan := m.NewIntVar(0, horizon, "wave_makespan")
	m.AddMaxEquality(makespan, lastEnds)

	switch cfg.ObjectiveType {
	case structs.ObjectiveWeightedDelay:
		obj := cpsat.LinearExpr{}
		terms := 0
		for _, job := range in.Wave {
			if job.Lot.DueDate == nil {
				continue
			}
			key := structs.TaskKey{LotId: job.Lot.LotId, Step: job.Lot.LastStep()}
			t, ok := wm.Tasks[key]
			if !ok {
				continue
			}
			dueMin := structs.MinutesBetween(in.Origin, *job.Lot.DueDate)
			delay := m.NewIntVar(0, horizon, fmt.Sprintf("%s_delay", job.Lot.LotId))
			m.AddGreaterOrEqual(cpsat.Minus(delay, t.End), -dueMin)
			obj = obj.AddTerm(delay, job.Lot.Priority*cfg.DelayWeight)
			terms++
		}
		if terms == 0 {
			m.Minimize(cpsat.Var(makespan))
			return
		}
		m.Minimize(obj.AddTerm(makespan, 1))

	case structs.ObjectiveTotalCompletionTime:
		m.Minimize(cpsat.Sum(lastEnds...))

	default: // makespan
		m.Minimize(cpsat.Var(makespan))
	}
}
