// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline schedules the data movement of the tiled loop nests: it decides the buffering depth of
// each loop level, and emits the transfers that stage the tiles of the next iteration while the current one
// computes, plus the quantized write-back of the results.
//
// The Schedule functions emit into a kernel.Builder and, like it, panic with an *errs.Error on failure:
// call them inside kernel.Emit.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilegen/pkg/core/errs"
)

// Stage associates a loop level with its buffering depth.
type Stage struct {
	// Name of the loop variable.
	Name string

	// Level of nesting, 0 being the core loop.
	Level int

	// Depth is the number of buffer instances in flight: 1 means no overlap.
	Depth int

	// Pipelinable marks the levels that allocate buffers, and hence can have Depth > 1.
	Pipelinable bool
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if s.Pipelinable {
		return fmt.Sprintf("%s(level=%d, depth=%d)", s.Name, s.Level, s.Depth)
	}
	return fmt.Sprintf("%s(level=%d)", s.Name, s.Level)
}

// Stages of a loop nest, outermost first.
type Stages []Stage

// Validate checks that every depth is >= 1 and that only pipelinable levels have depth > 1.
// It returns an errs.InvalidTiling error with the offending depth otherwise.
func (ss Stages) Validate() error {
	for i, s := range ss {
		if s.Level != i {
			return errs.Errorf(errs.LoweringError, s.Level, "stage %s at position %d has level %d", s.Name, i, s.Level)
		}
		if s.Depth < 1 {
			return errs.Errorf(errs.InvalidTiling, s.Depth, "buffering depth of loop %q must be >= 1, got %d",
				s.Name, s.Depth)
		}
		if s.Depth > 1 && !s.Pipelinable {
			return errs.Errorf(errs.InvalidTiling, s.Depth,
				"loop %q allocates no buffers and can't be pipelined, got depth %d", s.Name, s.Depth)
		}
	}
	return nil
}

// Depth returns the depth of the named stage, or 1 if there is none.
func (ss Stages) Depth(name string) int {
	for _, s := range ss {
		if s.Name == name {
			return s.Depth
		}
	}
	return 1
}

// String implements fmt.Stringer.
func (ss Stages) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}
