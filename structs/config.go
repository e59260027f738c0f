// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Objective types selectable per deployment.
const (
	ObjectiveMakespan            = "makespan"
	ObjectiveTotalCompletionTime = "total_completion_time"
	ObjectiveWeightedDelay       = "weighted_delay"
)

// Environment keys understood by ConfigFromEnv. The store-side
// scheduler_exclude_completed_lots setting is read by the loader, not here.
const (
	EnvSolverMaxTime        = "SOLVER_MAX_TIME_IN_SECONDS"
	EnvSolverNumWorkers     = "SOLVER_NUM_SEARCH_WORKERS"
	EnvSolverLogProgress    = "SOLVER_LOG_SEARCH_PROGRESS"
	EnvBatchThreshold       = "INCREMENTAL_BATCH_THRESHOLD"
	EnvBatchInitialSize     = "INCREMENTAL_BATCH_INITIAL_SIZE"
	EnvBatchStepSize        = "INCREMENTAL_BATCH_STEP_SIZE"
	EnvFastVerification     = "SCHEDULER_FAST_VERIFICATION"
	EnvObjectiveType        = "OBJECTIVE_TYPE"
	EnvDelayWeight          = "SCHEDULER_DELAY_WEIGHT"
	EnvQTimePairs           = "SCHEDULER_QTIME_PAIRS"
	EnvHorizonBufferMinutes = "SCHEDULER_HORIZON_BUFFER_MINUTES"
	EnvWriterChunkSize      = "WRITER_CHUNK_SIZE"
	EnvWriterMaxWorkers     = "WRITER_MAX_WORKERS"
)

// QTimePair couples two step labels within a lot with a maximum allowed gap
// between the earlier step's end and the later step's start.
type QTimePair struct {
	Earlier       string
	Later         string
	MaxGapMinutes int
}

func (q QTimePair) String() string {
	return fmt.Sprintf("%s:%s:%d", q.Earlier, q.Later, q.MaxGapMinutes)
}

// Config carries every tunable of a scheduling run. It is built once by the
// run command and passed explicitly into the engine; no component reads the
// process environment on its own.
type Config struct {
	// StartTime is the wave origin (SCHEDULE_START). All integer time
	// variables are minutes relative to it.
	StartTime time.Time

	// Solver budget per wave.
	SolverMaxTimeSeconds    int
	SolverNumWorkers        int
	SolverLogSearchProgress bool

	// Batching policy.
	BatchThreshold   int
	BatchInitialSize int
	BatchStepSize    int

	// FastVerification drops the objective and solves feasibility only.
	FastVerification bool

	// Objective selection and the empirically chosen delay coefficient.
	ObjectiveType string
	DelayWeight   int

	// QTimePairs are the coupled step pairs enforced within each lot.
	QTimePairs []QTimePair

	// HorizonBufferMinutes pads the horizon beyond the longest lot's total
	// duration. It must exceed the worst-case cumulative wave shift.
	HorizonBufferMinutes int

	// Writer pool shape.
	WriterChunkSize  int
	WriterMaxWorkers int

	// OutputDir receives the JSON artifacts.
	OutputDir string
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() *Config {
	return &Config{
		SolverMaxTimeSeconds: 30,
		SolverNumWorkers:     8,
		BatchThreshold:       30,
		BatchInitialSize:     30,
		BatchStepSize:        3,
		FastVerification:     true,
		ObjectiveType:        ObjectiveTotalCompletionTime,
		DelayWeight:          1000,
		QTimePairs: []QTimePair{
			{Earlier: "STEP3", Later: "STEP4", MaxGapMinutes: 200},
		},
		HorizonBufferMinutes: 60 * 24 * 50,
		WriterChunkSize:      50,
		WriterMaxWorkers:     8,
		OutputDir:            "plan_result",
	}
}

// ConfigFromEnv layers environment values over the defaults. env maps key to
// value; the caller assembles it from the process environment and any env
// file. Unknown keys are ignored, malformed values are ConfigErrors.
func ConfigFromEnv(env map[string]string) (*Config, error) {
	c := DefaultConfig()
	var mErr multierror.Error

	parseInt := func(key string, dst *int) {
		raw, ok := env[key]
		if !ok || raw == "" {
			return
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s: %q is not an integer", key, raw))
			return
		}
		*dst = v
	}
	parseBool := func(key string, dst *bool) {
		raw, ok := env[key]
		if !ok || raw == "" {
			return
		}
		v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s: %q is not a boolean", key, raw))
			return
		}
		*dst = v
	}

	parseInt(EnvSolverMaxTime, &c.SolverMaxTimeSeconds)
	parseInt(EnvSolverNumWorkers, &c.SolverNumWorkers)
	parseBool(EnvSolverLogProgress, &c.SolverLogSearchProgress)
	parseInt(EnvBatchThreshold, &c.BatchThreshold)
	parseInt(EnvBatchInitialSize, &c.BatchInitialSize)
	parseInt(EnvBatchStepSize, &c.BatchStepSize)
	parseBool(EnvFastVerification, &c.FastVerification)
	parseInt(EnvDelayWeight, &c.DelayWeight)
	parseInt(EnvHorizonBufferMinutes, &c.HorizonBufferMinutes)
	parseInt(EnvWriterChunkSize, &c.WriterChunkSize)
	parseInt(EnvWriterMaxWorkers, &c.WriterMaxWorkers)

	if raw, ok := env[EnvObjectiveType]; ok && raw != "" {
		c.ObjectiveType = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw, ok := env[EnvQTimePairs]; ok && raw != "" {
		pairs, err := ParseQTimePairs(raw)
		if err != nil {
			mErr.Errors = append(mErr.Errors, err)
		} else {
			c.QTimePairs = pairs
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, NewConfigError(err)
	}
	return c, nil
}

// ParseQTimePairs parses a comma-separated list of earlier:later:maxGap
// triples, e.g. "STEP3:STEP4:200".
func ParseQTimePairs(raw string) ([]QTimePair, error) {
	var pairs []QTimePair
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: q-time pair %q is not earlier:later:maxGapMinutes", EnvQTimePairs, part)
		}
		gap, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil || gap < 0 {
			return nil, fmt.Errorf("%s: q-time gap %q is not a non-negative integer", EnvQTimePairs, fields[2])
		}
		pairs = append(pairs, QTimePair{
			Earlier:       strings.TrimSpace(fields[0]),
			Later:         strings.TrimSpace(fields[1]),
			MaxGapMinutes: gap,
		})
	}
	return pairs, nil
}

// Validate returns a ConfigError aggregating every violated bound.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.StartTime.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("start time is required"))
	}
	if c.SolverMaxTimeSeconds <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("solver time budget must be positive, got %d", c.SolverMaxTimeSeconds))
	}
	if c.SolverNumWorkers <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("solver worker count must be positive, got %d", c.SolverNumWorkers))
	}
	if c.BatchThreshold <= 0 || c.BatchInitialSize <= 0 || c.BatchStepSize <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("batch sizes must be positive, got threshold=%d initial=%d step=%d",
			c.BatchThreshold, c.BatchInitialSize, c.BatchStepSize))
	}
	switch c.ObjectiveType {
	case ObjectiveMakespan, ObjectiveTotalCompletionTime, ObjectiveWeightedDelay:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown objective type %q", c.ObjectiveType))
	}
	if c.DelayWeight <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("delay weight must be positive, got %d", c.DelayWeight))
	}
	if c.HorizonBufferMinutes <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("horizon buffer must be positive, got %d", c.HorizonBufferMinutes))
	}
	if c.WriterChunkSize <= 0 || c.WriterMaxWorkers <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("writer pool shape must be positive, got chunk=%d workers=%d",
			c.WriterChunkSize, c.WriterMaxWorkers))
	}
	for _, q := range c.QTimePairs {
		if q.Earlier == "" || q.Later == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("q-time pair %q has an empty step label", q))
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return NewConfigError(err)
	}
	return nil
}

// Copy returns a copy of the config safe to mutate.
func (c *Config) Copy() *Config {
	nc := new(Config)
	*nc = *c
	nc.QTimePairs = slicesClone(c.QTimePairs)
	return nc
}

func slicesClone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
