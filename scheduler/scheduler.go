// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements the incremental scheduling engine: loading
// and classifying the working set, building one constraint model per wave,
// solving under a time budget, writing plan results back in parallel, and
// emitting utilization metrics and JSON artifacts.
package scheduler

import (
	"time"

	"github.com/hashicorp/loom/structs"
)

// State is the subset of the state store the engine reads from and reports
// into. state.StateStore implements it.
type State interface {
	Lots(excludeCompleted bool) ([]*structs.Lot, error)
	FrozenOperations(lotID string) ([]*structs.FrozenOperation, error)
	ActiveMachineGroups() (map[string][]string, error)
	UnavailablePeriods() ([]*structs.UnavailablePeriod, error)
	SettingBool(name string) (bool, bool, error)
	SavePlanRaw(pr *structs.PlanRaw) error
	SaveUtilization(rows []*structs.UtilizationRow) error
	SaveJobHistory(jh *structs.JobHistory) error
}

// PlanSession is one writeback handle. Each writer worker owns exactly one
// session for its lifetime.
type PlanSession interface {
	UpdatePlanResults(lotUpdates []*structs.LotPlanUpdate, opUpdates []*structs.OpPlanUpdate) error
	Close() error
}

// SessionFactory opens a fresh writeback session per writer worker.
type SessionFactory func() (PlanSession, error)

// ProgressFunc receives the human-facing progress stream. The run command
// points it at its UI.
type ProgressFunc func(format string, args ...interface{})

// WorkingSet is the loader's output: classified jobs, resolved machine
// groups, and concrete unavailability windows per machine.
type WorkingSet struct {
	Jobs   []*structs.Job
	Groups map[string][]string

	// Unavailable holds concrete windows, recurrences already expanded,
	// keyed by machine and sorted by start.
	Unavailable map[string][]*structs.UnavailablePeriod
}

// Job returns the job for a lot id, or nil.
func (ws *WorkingSet) Job(lotID string) *structs.Job {
	for _, j := range ws.Jobs {
		if j.Lot.LotId == lotID {
			return j
		}
	}
	return nil
}

// unavailableWindow bounds how far ahead unavailability windows are
// considered.
const unavailableWindow = 30 * 24 * time.Hour

// fallbackMachineGroups keeps empty development stores schedulable.
var fallbackMachineGroups = map[string][]string{
	"M01": {"M01-1", "M01-2", "M01-3"},
	"M02": {"M02-1", "M02-2"},
	"M03": {"M03-1", "M03-2", "M03-3"},
}
