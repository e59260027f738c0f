// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides helper functions for generating UUIDs.
package uuid

import (
	"github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID. Panics on error; entropy exhaustion is not
// a recoverable condition for callers.
func Generate() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// Short returns the first eight characters of a random UUID, useful where a
// full UUID is unnecessarily wide.
func Short() string {
	return Generate()[:8]
}
