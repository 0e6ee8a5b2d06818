// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
)

// Footprint is the on-chip memory used by one buffer of a plan, per core.
type Footprint struct {
	Tier hardware.Tier
	Name string

	// Shape of one instance of the buffer.
	Shape shapes.Shape

	// Instances is the number of buffer instances, the buffering depth of the loop allocating it.
	Instances int

	// Bytes used by all instances, each rounded up to the transfer block.
	Bytes int
}

// String implements fmt.Stringer.
func (f Footprint) String() string {
	return fmt.Sprintf("%s %s %s x%d = %s", f.Tier, f.Name, f.Shape, f.Instances, humanize.IBytes(uint64(f.Bytes)))
}

// newFootprint of a buffer with the given shape and number of instances.
func newFootprint(profile *hardware.Profile, tier hardware.Tier, name string, dtype dtypes.DType, instances int,
	dims ...int) Footprint {
	shape := shapes.Shape{DType: dtype, Dimensions: dims}
	return Footprint{
		Tier:      tier,
		Name:      name,
		Shape:     shape,
		Instances: instances,
		Bytes:     RoundUp(shape.Memory(), profile.BlockBytes) * instances,
	}
}

// TierBytes returns the total bytes used in the tier by the footprints.
func TierBytes(footprints []Footprint, tier hardware.Tier) (total int) {
	for _, f := range footprints {
		if f.Tier == tier {
			total += f.Bytes
		}
	}
	return
}

// CheckCapacity returns an errs.BufferOverflow error if the footprints of a tier add up to more than its capacity.
// The offending value is the number of bytes required.
func CheckCapacity(profile *hardware.Profile, footprints []Footprint) error {
	for _, tier := range []hardware.Tier{hardware.Staging, hardware.Accumulator} {
		used := TierBytes(footprints, tier)
		if capacity := profile.Capacity(tier); used > capacity {
			var parts []string
			for _, f := range footprints {
				if f.Tier == tier {
					parts = append(parts, f.String())
				}
			}
			return errs.Errorf(errs.BufferOverflow, used,
				"%s buffer overflow: tiles need %s, capacity is %s (%s)", tier,
				humanize.IBytes(uint64(used)), humanize.IBytes(uint64(capacity)), strings.Join(parts, "; "))
		}
	}
	return nil
}
