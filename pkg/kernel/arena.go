// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/hardware"
)

// arena is a bump allocator of one on-chip tier of a core.
//
// Allocations are released in stack order: the builder takes a mark when entering a loop body and
// releases back to it when leaving, since buffers are scoped to the body that allocates them.
type arena struct {
	tier      hardware.Tier
	capacity  int
	alignment int
	top       int

	// peak is the largest top reached.
	peak int
}

func newArena(profile *hardware.Profile, tier hardware.Tier) *arena {
	return &arena{tier: tier, capacity: profile.Capacity(tier), alignment: profile.BlockBytes}
}

// alloc reserves instances*bytes (each instance aligned) and returns the address of the first instance
// and the aligned size of one instance.
func (a *arena) alloc(name string, bytes, instances int) (address, instanceBytes int, err error) {
	instanceBytes = (bytes + a.alignment - 1) / a.alignment * a.alignment
	address = a.top
	newTop := address + instanceBytes*instances
	if newTop > a.capacity {
		err = errs.Errorf(errs.BufferOverflow, newTop,
			"%s buffer overflow allocating %q (%d x %s): %s needed, capacity is %s", a.tier, name, instances,
			humanize.IBytes(uint64(instanceBytes)), humanize.IBytes(uint64(newTop)), humanize.IBytes(uint64(a.capacity)))
		return
	}
	a.top = newTop
	a.peak = max(a.peak, a.top)
	return
}

// mark returns the current top, to be passed to release.
func (a *arena) mark() int { return a.top }

// release frees everything allocated after mark.
func (a *arena) release(mark int) { a.top = mark }
