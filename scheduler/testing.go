// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"os"
	"time"

	testing "github.com/mitchellh/go-testing-interface"

	"github.com/hashicorp/loom/helper/testlog"
	"github.com/hashicorp/loom/state"
	"github.com/hashicorp/loom/structs"
)

// TestOrigin is the wave origin used across scheduler tests.
var TestOrigin = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

// Harness wires a scheduler over a fresh in-memory store. Tests seed the
// store, tweak the config, then call Run.
type Harness struct {
	Store  *state.StateStore
	Config *structs.Config
	Sched  *IncrementalScheduler
}

// NewHarness returns a harness with test-sized solver and writer settings and
// a throwaway artifact directory.
func NewHarness(t testing.T) *Harness {
	store := state.TestStateStore(t)

	cfg := structs.DefaultConfig()
	cfg.StartTime = TestOrigin
	cfg.SolverMaxTimeSeconds = 5
	cfg.SolverNumWorkers = 1

	dir, err := os.MkdirTemp("", "loom-artifacts-")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.OutputDir = dir

	sessions := func() (PlanSession, error) {
		return store.NewSession()
	}
	return &Harness{
		Store:  store,
		Config: cfg,
		Sched:  NewIncrementalScheduler(testlog.HCLogger(t), store, sessions, cfg),
	}
}

// SeedMachines registers one active machine group.
func (h *Harness) SeedMachines(t testing.T, group string, machines ...string) {
	rows := make([]*structs.Machine, 0, len(machines))
	for _, m := range machines {
		rows = append(rows, &structs.Machine{MachineId: m, GroupId: group, Active: true})
	}
	if err := h.Store.UpsertMachines(rows); err != nil {
		t.Fatalf("err: %v", err)
	}
}

// SeedLot inserts a lot whose operations run the given steps in order, each
// on the given group with the given duration.
func (h *Harness) SeedLot(t testing.T, lotID, group string, duration int, steps ...string) *structs.Lot {
	created := TestOrigin.Add(-24 * time.Hour)
	lot := &structs.Lot{
		LotId:         lotID,
		Priority:      1,
		LotCreateDate: &created,
	}
	for i, step := range steps {
		lot.Operations = append(lot.Operations, &structs.Operation{
			LotId:        lotID,
			Step:         step,
			MachineGroup: group,
			Duration:     duration,
			Sequence:     i + 1,
			StepStatus:   structs.StepStatusNewAdd,
		})
	}
	if err := h.Store.UpsertLots([]*structs.Lot{lot}); err != nil {
		t.Fatalf("err: %v", err)
	}
	return lot
}
