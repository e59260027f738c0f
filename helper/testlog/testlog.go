// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates a *log.Logger backed by testing.T to ease logging in
// tests.
package testlog

import (
	"fmt"
	"io"
	"log"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// NewPrefixWriter creates a new io.Writer backed by a LogPrinter with a
// custom prefix per Write.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	return &writer{prefix: prefix, t: t}
}

// New returns a new test logger. See https://golang.org/pkg/log/#New
func New(t LogPrinter, prefix string, flag int) *log.Logger {
	return log.New(&writer{t: t}, prefix, flag)
}

// HCLogger returns a new test hc-logger.
//
// The default log level is TRACE. Set LOOM_TEST_LOG_LEVEL to change it, or
// "off" to silence test log output entirely.
func HCLogger(t LogPrinter) hclog.Logger {
	level := hclog.Trace
	if envLogLevel := os.Getenv("LOOM_TEST_LOG_LEVEL"); envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}

// HCLoggerNamed returns a new named test hc-logger with a matching log line
// prefix, for tests exercising multiple components at once.
func HCLoggerNamed(t LogPrinter, name string) hclog.Logger {
	level := hclog.Trace
	if envLogLevel := os.Getenv("LOOM_TEST_LOG_LEVEL"); envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:  level,
		Output: NewPrefixWriter(t, fmt.Sprintf("%s ", name)),
	}
	return hclog.NewInterceptLogger(opts).Named(name)
}
