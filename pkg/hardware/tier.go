// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hardware

import "fmt"

// Tier is the memory tier where a tensor lives.
type Tier int

const (
	// Global memory: off-chip, shared by all cores, holds the kernel inputs and outputs.
	Global Tier = iota

	// Staging buffer: on-chip, private to a core, feeds the compute unit.
	Staging

	// Accumulator buffer: on-chip, private to a core, holds compute results before write-back.
	Accumulator
)

var tierNames = [...]string{"global", "staging", "accumulator"}

// String implements fmt.Stringer.
func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// Level of the tier in the memory hierarchy: 0 for Global, 1 for Staging and 2 for Accumulator.
func (t Tier) Level() int { return int(t) }

// OnChip returns whether the tier is private memory of a core.
func (t Tier) OnChip() bool { return t == Staging || t == Accumulator }

// Capacity returns the per-core capacity in bytes of the tier, or -1 for Global (unbounded).
func (p *Profile) Capacity(tier Tier) int {
	switch tier {
	case Staging:
		return p.StagingBytes
	case Accumulator:
		return p.AccumulatorBytes
	}
	return -1
}
