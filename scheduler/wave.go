// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"errors"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/loom/structs"
)

// IncrementalScheduler drives the end-to-end run: load, batch, solve wave by
// wave with carry-over, write back, report utilization, emit artifacts.
type IncrementalScheduler struct {
	logger   hclog.Logger
	state    State
	sessions SessionFactory
	config   *structs.Config
	progress ProgressFunc
	now      func() time.Time
}

// NewIncrementalScheduler returns a scheduler over the given store and
// config. Progress goes to the logger until SetProgress points it at a UI.
func NewIncrementalScheduler(logger hclog.Logger, state State, sessions SessionFactory, config *structs.Config) *IncrementalScheduler {
	s := &IncrementalScheduler{
		logger:   logger.Named("wave"),
		state:    state,
		sessions: sessions,
		config:   config,
		now:      time.Now,
	}
	s.progress = func(format string, args ...interface{}) {
		s.logger.Info(fmt.Sprintf(format, args...))
	}
	return s
}

// SetProgress redirects the human-facing progress stream.
func (s *IncrementalScheduler) SetProgress(fn ProgressFunc) {
	if fn != nil {
		s.progress = fn
	}
}

// RunResult summarizes one run.
type RunResult struct {
	PlanID     string
	ScheduleID string

	Lots        int
	Waves       int
	FailedWaves int

	// Results maps every solved task to its absolute-time assignment.
	Results map[structs.TaskKey]structs.OpResult

	// Partial is set when writeback, reporting, or artifact emission
	// degraded; solver failures alone do not mark a run partial.
	Partial bool

	Duration time.Duration
}

// Run executes one scheduling run at the configured start time. Fatal errors
// (config, loader, model) abort before any writeback; solver failures are
// tolerated per wave; writer and artifact failures degrade the run to
// partial.
func (s *IncrementalScheduler) Run() (*RunResult, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	origin := s.config.StartTime
	calcStart := s.now()

	ws, err := NewLoader(s.logger, s.state, s.config).Load(origin)
	if err != nil {
		return nil, err
	}
	res := &RunResult{
		Lots:    len(ws.Jobs),
		Results: make(map[structs.TaskKey]structs.OpResult),
	}
	if len(ws.Jobs) == 0 {
		s.progress("No jobs to schedule.")
		return res, nil
	}

	emitter := NewEmitter(s.logger, s.config.OutputDir)

	// Snapshot the loaded jobs under a fresh PlanID before solving.
	res.PlanID = fmt.Sprintf("PLAN_%d", s.now().Unix())
	raw, err := marshalRawSnapshot(ws.Jobs)
	if err != nil {
		return nil, fmt.Errorf("raw snapshot failed: %w", err)
	}
	if err := s.state.SavePlanRaw(&structs.PlanRaw{
		PlanID:    res.PlanID,
		RawData:   raw,
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Error("failed to save plan raw snapshot", "plan_id", res.PlanID, "error", err)
		res.Partial = true
	}
	if err := emitter.WriteRawSnapshot(raw); err != nil {
		s.logger.Error("failed to write raw snapshot artifact", "error", err)
		res.Partial = true
	}

	waves := batchJobs(ws.Jobs, s.config)
	res.Waves = len(waves)

	carried := make(map[structs.TaskKey]structs.SolvedInterval)
	for i, wave := range waves {
		s.progress(">>> Solving Batch %d/%d (%d lots) - Progress: %d%%",
			i+1, len(waves), len(wave), i*100/len(waves))

		wm, err := BuildWaveModel(s.logger, &WaveModelInput{
			Wave:        wave,
			AllJobs:     ws.Jobs,
			Groups:      ws.Groups,
			Unavailable: ws.Unavailable,
			Carried:     carried,
			Origin:      origin,
			Config:      s.config,
		})
		if err != nil {
			return nil, err
		}

		sol, err := SolveWave(s.logger, s.config, wm, i)
		if err != nil {
			var sf *structs.SolverFailure
			if errors.As(err, &sf) {
				s.progress("Batch %d failed or no solution: %s", i+1, sf.Status)
				s.logger.Error("wave failed", "wave", i+1, "status", sf.Status)
				res.FailedWaves++
				continue
			}
			return nil, err
		}
		s.progress("Batch %d solved: %s (Time: %.2fs)", i+1, sol.Status, sol.WallTime.Seconds())

		for key, iv := range sol.Solved {
			carried[key] = iv
			res.Results[key] = s.absoluteResult(wm.Tasks[key], iv, origin)
		}
	}
	s.progress(">>> All batches solved! (100%% Progress)")

	// Writeback drains fully before reporting begins.
	writer := NewResultWriter(s.logger, s.sessions, s.config)
	if err := writer.Write(ws.Jobs, res.Results, res.PlanID); err != nil {
		s.logger.Error("plan writeback degraded", "error", err)
		res.Partial = true
	}

	if rows := ComputeUtilization(s.logger, ws.Groups, res.Results, res.PlanID); len(rows) > 0 {
		if err := s.state.SaveUtilization(rows); err != nil {
			s.logger.Error("failed to save utilization", "plan_id", res.PlanID, "error", err)
			res.Partial = true
		}
	}

	res.ScheduleID = fmt.Sprintf("SCH_INC_%d", s.now().Unix())
	res.Duration = s.now().Sub(calcStart)
	docs, err := emitter.Emit(&ArtifactInput{
		Jobs:        ws.Jobs,
		Results:     res.Results,
		Unavailable: ws.Unavailable,
		CalcStart:   calcStart,
		CalcEnd:     calcStart.Add(res.Duration),
	})
	if err != nil {
		s.logger.Error("artifact emission degraded", "error", err)
		res.Partial = true
	} else {
		if err := s.state.SaveJobHistory(&structs.JobHistory{
			ScheduleId:  res.ScheduleID,
			CreatedBy:   "SYSTEM",
			PlanSummary: fmt.Sprintf("Incremental Schedule - %d lots", len(ws.Jobs)),
			RawJSON:     raw,
			ResultJSON:  docs.Plan,
			StepJSON:    docs.Step,
			SegmentJSON: docs.Segment,
			CreatedAt:   s.now(),
		}); err != nil {
			s.logger.Error("failed to save job history", "schedule_id", res.ScheduleID, "error", err)
			res.Partial = true
		}
	}

	s.logger.Info("run complete",
		"plan_id", res.PlanID, "schedule_id", res.ScheduleID,
		"lots", res.Lots, "waves", res.Waves, "failed_waves", res.FailedWaves,
		"partial", res.Partial, "duration", res.Duration)
	return res, nil
}

// absoluteResult converts a solved interval to wall-clock times. Fixed
// classes keep the timestamps they were loaded with; Normal operations are
// offset from the origin.
func (s *IncrementalScheduler) absoluteResult(task *TaskHandle, iv structs.SolvedInterval, origin time.Time) structs.OpResult {
	out := structs.OpResult{
		Start:   origin.Add(time.Duration(iv.StartMin) * time.Minute),
		End:     origin.Add(time.Duration(iv.EndMin) * time.Minute),
		Machine: iv.Machine,
	}
	if task.Fixed() && task.Op.Fixed != nil {
		if !task.Op.Fixed.Start.IsZero() {
			out.Start = task.Op.Fixed.Start
		}
		if !task.Op.Fixed.End.IsZero() {
			out.End = task.Op.Fixed.End
		}
	}
	return out
}

// batchJobs applies the batching policy: everything in one wave up to the
// threshold, otherwise an initial wave followed by fixed-size steps.
func batchJobs(jobs []*structs.Job, cfg *structs.Config) [][]*structs.Job {
	if len(jobs) <= cfg.BatchThreshold {
		return [][]*structs.Job{jobs}
	}
	initial := min(cfg.BatchInitialSize, len(jobs))
	waves := [][]*structs.Job{jobs[:initial]}
	rest := jobs[initial:]
	for i := 0; i < len(rest); i += cfg.BatchStepSize {
		waves = append(waves, rest[i:min(i+cfg.BatchStepSize, len(rest))])
	}
	return waves
}
