// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/loom/cpsat"
	"github.com/hashicorp/loom/structs"
)

// WaveSolution is the extracted result of one solved wave: every task of the
// wave resolved to minutes from origin and a concrete machine.
type WaveSolution struct {
	Status   string
	Solved   map[structs.TaskKey]structs.SolvedInterval
	WallTime time.Duration
}

// SolveWave runs the backend on one wave model with the configured budget
// and extracts the solved intervals. On UNKNOWN or INFEASIBLE it returns a
// SolverFailure; the orchestrator records it and moves on.
//
// This is the only place the cpsat backend is touched.
func SolveWave(logger hclog.Logger, cfg *structs.Config, wm *WaveModel, wave int) (*WaveSolution, error) {
	solver := cpsat.NewSolver()
	solver.Parameters.MaxTimeInSeconds = float64(cfg.SolverMaxTimeSeconds)
	solver.Parameters.NumSearchWorkers = cfg.SolverNumWorkers
	solver.Parameters.LogSearchProgress = cfg.SolverLogSearchProgress
	solver.Logger = logger.Named("cpsat")

	status := solver.Solve(wm.Model)
	if status != cpsat.StatusOptimal && status != cpsat.StatusFeasible {
		return nil, &structs.SolverFailure{Wave: wave, Status: status.String()}
	}

	sol := &WaveSolution{
		Status:   status.String(),
		Solved:   make(map[structs.TaskKey]structs.SolvedInterval, len(wm.Tasks)),
		WallTime: solver.WallTime(),
	}
	for key, task := range wm.Tasks {
		res := structs.SolvedInterval{
			StartMin: solver.Value(task.Start),
			EndMin:   solver.Value(task.End),
		}
		if task.Fixed() {
			res.Machine = task.Machine
		} else {
			res.Machine = task.Members[solver.Value(task.MachineChoice)]
		}
		sol.Solved[key] = res
	}
	return sol, nil
}
