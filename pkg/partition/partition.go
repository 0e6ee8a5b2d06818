// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition splits the outer work dimension of a kernel evenly across the physical cores.
//
// Each core gets one contiguous half-open range. Cores never share mutable state, so no synchronization
// is needed between them.
package partition

import (
	"fmt"

	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/tiling"
	"k8s.io/klog/v2"
)

// CorePartition is the half-open range [Start, End) of the outer dimension assigned to Core.
type CorePartition struct {
	Core       int
	Start, End int
}

// Len returns the number of elements in the range.
func (p CorePartition) Len() int { return p.End - p.Start }

// String implements fmt.Stringer.
func (p CorePartition) String() string {
	return fmt.Sprintf("core #%d: [%d, %d)", p.Core, p.Start, p.End)
}

// Split divides [0, extent) into cores equal contiguous ranges.
//
// It returns an errs.UnevenPartition error, with extent as the offending value, if extent is not
// divisible by cores, or if either is not positive. Remainders are never silently dropped.
func Split(extent, cores int) ([]CorePartition, error) {
	if cores < 1 {
		return nil, errs.Errorf(errs.UnevenPartition, cores, "number of cores must be >= 1, got %d", cores)
	}
	if extent < 1 || extent%cores != 0 {
		return nil, errs.Errorf(errs.UnevenPartition, extent,
			"outer dimension %d can't be split evenly across %d cores", extent, cores)
	}
	perCore := extent / cores
	parts := make([]CorePartition, cores)
	for core := range parts {
		parts[core] = CorePartition{Core: core, Start: core * perCore, End: (core + 1) * perCore}
	}
	return parts, nil
}

// SplitTiled splits a dimension that is first tiled by tile (which must divide it) and then has its tiles
// split across the cores. The returned ranges are in units of tile iterations.
//
// E.g. SplitTiled(256, 2, 64) returns [0, 2) and [2, 4): each core processes 2 tiles of 64.
func SplitTiled(extent, cores, tile int) ([]CorePartition, error) {
	if tile < 1 || extent%tile != 0 {
		return nil, errs.Errorf(errs.InvalidTiling, tile, "tile %d doesn't divide the outer dimension %d", tile, extent)
	}
	iterations := extent / tile
	parts, err := Split(iterations, cores)
	if err != nil {
		return nil, errs.Wrapf(err, errs.UnevenPartition, extent,
			"%d tiles of %d (outer dimension %d) across %d cores", iterations, tile, extent, cores)
	}
	klog.V(1).Infof("partition: %d = %d cores x %d tiles x %d", extent, cores, iterations/cores, tile)
	return parts, nil
}

// SplitSpec splits the iterations of an exact tiling across the cores.
func SplitSpec(spec tiling.TileSpec, cores int) ([]CorePartition, error) {
	if !spec.Exact() {
		return nil, errs.Errorf(errs.InvalidTiling, spec.Tile, "can't partition non-exact tiling %s", spec)
	}
	return SplitTiled(spec.Full, cores, spec.Tile)
}

// Covers returns whether the partitions are disjoint, ordered by core, equally sized, and their union
// is exactly [0, extent).
func Covers(parts []CorePartition, extent int) bool {
	next := 0
	for i, p := range parts {
		if p.Core != i || p.Start != next || p.End <= p.Start || p.Len() != parts[0].Len() {
			return false
		}
		next = p.End
	}
	return next == extent
}
