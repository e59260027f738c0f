// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/loom/structs"
)

// Loader builds the engine's working set from the store: lots with their
// operations classified, active machine groups, and the unavailability
// windows of the scheduling horizon.
type Loader struct {
	logger hclog.Logger
	state  State
	config *structs.Config
}

func NewLoader(logger hclog.Logger, state State, config *structs.Config) *Loader {
	return &Loader{
		logger: logger.Named("loader"),
		state:  state,
		config: config,
	}
}

// Load reads and classifies the full working set for one run with the given
// wave origin. Store failures surface as LoaderErrors.
func (l *Loader) Load(origin time.Time) (*WorkingSet, error) {
	jobs, err := l.loadJobs(origin)
	if err != nil {
		return nil, structs.NewLoaderError(err)
	}

	groups, err := l.state.ActiveMachineGroups()
	if err != nil {
		return nil, structs.NewLoaderError(fmt.Errorf("machine group load failed: %w", err))
	}
	if len(groups) == 0 {
		l.logger.Warn("no active machines in store, using fallback machine groups")
		groups = make(map[string][]string, len(fallbackMachineGroups))
		for gid, members := range fallbackMachineGroups {
			groups[gid] = append([]string(nil), members...)
		}
	}

	unavailable, err := l.loadUnavailable(origin)
	if err != nil {
		return nil, structs.NewLoaderError(err)
	}

	l.logger.Info("loaded working set",
		"jobs", len(jobs), "machine_groups", len(groups), "unavailable_machines", len(unavailable))

	return &WorkingSet{
		Jobs:        jobs,
		Groups:      groups,
		Unavailable: unavailable,
	}, nil
}

// loadJobs reads lots and classifies every operation. Classification
// precedence is Completed, then WIP, then Frozen, then Normal.
func (l *Loader) loadJobs(origin time.Time) ([]*structs.Job, error) {
	excludeCompleted := true
	if v, ok, err := l.state.SettingBool(structs.SettingExcludeCompletedLots); err != nil {
		return nil, fmt.Errorf("setting load failed: %w", err)
	} else if ok {
		excludeCompleted = v
	}
	l.logger.Debug("loader settings", "exclude_completed_lots", excludeCompleted)

	lots, err := l.state.Lots(excludeCompleted)
	if err != nil {
		return nil, fmt.Errorf("lot load failed: %w", err)
	}

	jobs := make([]*structs.Job, 0, len(lots))
	for _, lot := range lots {
		frozen, err := l.state.FrozenOperations(lot.LotId)
		if err != nil {
			return nil, fmt.Errorf("frozen operation load failed for lot %s: %w", lot.LotId, err)
		}
		frozenBy := make(map[string]*structs.FrozenOperation, len(frozen))
		for _, fo := range frozen {
			frozenBy[fo.Step] = fo
		}

		job := &structs.Job{Lot: lot}
		for _, op := range lot.Operations {
			job.Ops = append(job.Ops, classifyOperation(op, frozenBy[op.Step], origin))
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// classifyOperation derives the scheduler class of one operation and its
// class-specific payload.
func classifyOperation(op *structs.Operation, frozen *structs.FrozenOperation, origin time.Time) *structs.ClassifiedOp {
	switch {
	case op.StepStatus == structs.StepStatusDone:
		// Completed operations are fixed at their planned window. A
		// completed operation without planned times contributes no
		// occupancy; the builder treats it as a boundary sentinel.
		fixed := &structs.FixedInterval{Machine: op.PlanMachineId}
		if op.PlanCheckInTime != nil {
			fixed.Start = *op.PlanCheckInTime
		}
		if op.PlanCheckOutTime != nil {
			fixed.End = *op.PlanCheckOutTime
		}
		return &structs.ClassifiedOp{Op: op, Class: structs.OpClassCompleted, Fixed: fixed}

	case op.StepStatus == structs.StepStatusWIP:
		elapsed := 0
		if op.CheckInTime != nil {
			elapsed = max(0, structs.MinutesBetween(*op.CheckInTime, origin))
		}
		fixed := &structs.FixedInterval{Machine: op.PlanMachineId}
		if op.PlanCheckInTime != nil {
			fixed.Start = *op.PlanCheckInTime
		}
		if op.PlanCheckOutTime != nil {
			fixed.End = *op.PlanCheckOutTime
		}
		return &structs.ClassifiedOp{
			Op:             op,
			Class:          structs.OpClassWIP,
			Fixed:          fixed,
			ElapsedMinutes: elapsed,
		}

	case frozen != nil:
		return &structs.ClassifiedOp{
			Op:    op,
			Class: structs.OpClassFrozen,
			Fixed: &structs.FixedInterval{
				Start:   frozen.StartTime,
				End:     frozen.EndTime,
				Machine: frozen.MachineId,
			},
		}

	default:
		return &structs.ClassifiedOp{
			Op:                op,
			Class:             structs.OpClassNormal,
			PreviouslyPlanned: op.PlanCheckInTime != nil,
		}
	}
}

// loadUnavailable reads ACTIVE unavailability windows intersecting
// [origin, origin+30d), expanding cron recurrences into concrete windows.
func (l *Loader) loadUnavailable(origin time.Time) (map[string][]*structs.UnavailablePeriod, error) {
	periods, err := l.state.UnavailablePeriods()
	if err != nil {
		return nil, fmt.Errorf("unavailable period load failed: %w", err)
	}

	windowEnd := origin.Add(unavailableWindow)
	out := make(map[string][]*structs.UnavailablePeriod)
	add := func(p *structs.UnavailablePeriod) {
		out[p.MachineId] = append(out[p.MachineId], p)
	}

	for _, p := range periods {
		if p.Status != structs.PeriodStatusActive {
			continue
		}
		if p.Recurrence == "" {
			if p.StartTime.Before(windowEnd) && p.EndTime.After(origin) {
				add(p)
			}
			continue
		}

		expr, err := cronexpr.Parse(p.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("period %s has invalid recurrence %q: %w", p.ID, p.Recurrence, err)
		}
		dur := time.Duration(p.DurationMinutes) * time.Minute
		if dur <= 0 {
			l.logger.Warn("skipping recurring period without duration", "period", p.ID)
			continue
		}
		// Start behind the origin so an occurrence already in progress is
		// kept.
		n := 0
		for t := expr.Next(origin.Add(-dur)); !t.IsZero() && t.Before(windowEnd); t = expr.Next(t) {
			if t.Add(dur).Before(origin) || t.Add(dur).Equal(origin) {
				continue
			}
			occ := p.Copy()
			occ.ID = fmt.Sprintf("%s_%d", p.ID, n)
			occ.StartTime = t
			occ.EndTime = t.Add(dur)
			occ.Recurrence = ""
			add(occ)
			n++
		}
	}

	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	}
	return out, nil
}
