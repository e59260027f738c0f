// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
)

// The run-level error taxonomy. Config, Loader, and Model errors are fatal
// and abort before writeback. Solver failures are recoverable per wave.
// Writer and Artifact errors degrade a run to partial success.

// ConfigError is a fatal configuration problem: missing store location,
// malformed start time, out-of-range tunables.
type ConfigError struct {
	Err error
}

func NewConfigError(err error) *ConfigError { return &ConfigError{Err: err} }

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// LoaderError is a fatal store read failure.
type LoaderError struct {
	Err error
}

func NewLoaderError(err error) *LoaderError { return &LoaderError{Err: err} }

func (e *LoaderError) Error() string { return fmt.Sprintf("loader error: %v", e.Err) }
func (e *LoaderError) Unwrap() error { return e.Err }

// ModelError marks impossible model inputs, e.g. an operation whose machine
// group has no active members.
type ModelError struct {
	Err error
}

func NewModelError(format string, args ...interface{}) *ModelError {
	return &ModelError{Err: fmt.Errorf(format, args...)}
}

func (e *ModelError) Error() string { return fmt.Sprintf("model error: %v", e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// SolverFailure reports one wave the backend could not solve. The wave
// contributes nothing to the carry-map; subsequent waves proceed.
type SolverFailure struct {
	Wave   int
	Status string
}

func (e *SolverFailure) Error() string {
	return fmt.Sprintf("wave %d failed: solver status %s", e.Wave+1, e.Status)
}

// WriterError aggregates failed writeback chunks. Committed chunks stay
// committed; the run is flagged partial.
type WriterError struct {
	Err          error
	FailedChunks int
	TotalChunks  int
}

func (e *WriterError) Error() string {
	return fmt.Sprintf("writer error: %d/%d chunks failed: %v", e.FailedChunks, e.TotalChunks, e.Err)
}
func (e *WriterError) Unwrap() error { return e.Err }

// ArtifactError reports artifact or job-history write failures. Writer
// commits are unaffected.
type ArtifactError struct {
	Err error
}

func NewArtifactError(err error) *ArtifactError { return &ArtifactError{Err: err} }

func (e *ArtifactError) Error() string { return fmt.Sprintf("artifact error: %v", e.Err) }
func (e *ArtifactError) Unwrap() error { return e.Err }
