// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling derives the tile extents and iteration counts of the staged loop nests, and checks
// that the tiles fit the on-chip capacities.
//
// Tiles are expressed in units of a block: 16 elements for the wide element types, 32 elements
// for the 8-bit integers. A tile that is not a multiple of the unit, or that doesn't divide its
// dimension, is a configuration error (errs.InvalidTiling): tiles are never silently rounded.
package tiling

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"golang.org/x/exp/constraints"
)

// CubeUnit is the number of rows and columns (M and N) processed by one step of the compute unit.
const CubeUnit = 16

// TileSpec describes the tiling of one dimension.
//
// Invariant: Tile*Iterations >= Full. The last iteration has a partial tile if Tile*Iterations > Full.
type TileSpec struct {
	Name                   string
	Full, Tile, Iterations int
}

// String implements fmt.Stringer.
func (t TileSpec) String() string {
	return fmt.Sprintf("%s: %d = %d x %d", t.Name, t.Full, t.Iterations, t.Tile)
}

// Exact returns whether the tile divides the dimension exactly.
func (t TileSpec) Exact() bool { return t.Tile*t.Iterations == t.Full }

// Remainder returns the extent of the last tile, equal to Tile if the tiling is exact.
func (t TileSpec) Remainder() int {
	return t.Full - t.Tile*(t.Iterations-1)
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// RoundUp rounds a up to the next multiple of unit.
func RoundUp[T constraints.Integer](a, unit T) T {
	return CeilDiv(a, unit) * unit
}

// BlockUnit returns the alignment unit in elements for the dtype: 16 for the wide types (float16, float32,
// int32) and 32 for the 8-bit integers.
//
// It is also the innermost dimension (C0 or K0) of the blocked layouts.
func BlockUnit(dtype dtypes.DType) (int, error) {
	switch dtype {
	case dtypes.Float16, dtypes.Float32, dtypes.Int32:
		return 16, nil
	case dtypes.Int8, dtypes.Uint8:
		return 32, nil
	}
	return 0, errs.Errorf(errs.UnsupportedDataType, shapes.Name(dtype),
		"no block unit for dtype %s", shapes.Name(dtype))
}

// AccumulatorDType returns the dtype of the accumulator for a compute unit fed with dtype:
// float32 for float16 inputs, int32 for 8-bit integer inputs.
func AccumulatorDType(dtype dtypes.DType) (dtypes.DType, error) {
	switch dtype {
	case dtypes.Float16:
		return dtypes.Float32, nil
	case dtypes.Int8, dtypes.Uint8:
		return dtypes.Int32, nil
	}
	return dtypes.InvalidDType, shapes.Supported(dtype, dtypes.Float16, dtypes.Int8, dtypes.Uint8)
}

// ExactTile returns the TileSpec of a dimension of extent full tiled by tile, requiring that tile is a positive
// multiple of unit and that it divides full.
// Otherwise it returns an errs.InvalidTiling error, with the offending tile as value.
func ExactTile(name string, full, tile, unit int) (TileSpec, error) {
	if full <= 0 {
		return TileSpec{}, errs.Errorf(errs.InvalidTiling, full, "dimension %s=%d must be positive", name, full)
	}
	if unit <= 0 || tile <= 0 || tile%unit != 0 {
		return TileSpec{}, errs.Errorf(errs.InvalidTiling, tile,
			"tile of %s=%d must be a positive multiple of the block unit %d", name, tile, unit)
	}
	if full%tile != 0 {
		return TileSpec{}, errs.Errorf(errs.InvalidTiling, tile,
			"tile of %s=%d doesn't divide the dimension %d: remainder tiles are not supported", name, tile, full)
	}
	return TileSpec{Name: name, Full: full, Tile: tile, Iterations: full / tile}, nil
}

// Ceil returns the TileSpec of a dimension tiled by tile, the last iteration possibly being partial.
// It panics if tile <= 0.
func Ceil(name string, full, tile int) TileSpec {
	if tile <= 0 {
		panic(errs.Errorf(errs.InvalidTiling, tile, "tiling.Ceil(%q): tile must be positive, got %d", name, tile))
	}
	return TileSpec{Name: name, Full: full, Tile: tile, Iterations: CeilDiv(full, tile)}
}

// ConvOutputDim returns the output extent of a convolution along one spatial axis:
//
//	out = floor((in + padBefore + padAfter - dilatedKernel) / stride) + 1
//	dilatedKernel = (kernel - 1) * dilation + 1
//
// It returns errs.InvalidTiling if the stride or dilation are < 1, or if the output would be empty.
func ConvOutputDim(in, kernel, stride, dilation, padBefore, padAfter int) (int, error) {
	if stride < 1 || dilation < 1 {
		return 0, errs.Errorf(errs.InvalidTiling, []int{stride, dilation},
			"stride (%d) and dilation (%d) must be >= 1", stride, dilation)
	}
	if kernel < 1 || in < 1 || padBefore < 0 || padAfter < 0 {
		return 0, errs.Errorf(errs.InvalidTiling, []int{in, kernel, padBefore, padAfter},
			"invalid convolution extents: input %d, kernel %d, paddings (%d, %d)", in, kernel, padBefore, padAfter)
	}
	dilatedKernel := (kernel-1)*dilation + 1
	padded := in + padBefore + padAfter
	if padded < dilatedKernel {
		return 0, errs.Errorf(errs.InvalidTiling, dilatedKernel,
			"dilated kernel %d is larger than the padded input %d", dilatedKernel, padded)
	}
	return (padded-dilatedKernel)/stride + 1, nil
}

// elementSize in bytes of dtype.
func elementSize(dtype dtypes.DType) int {
	return int(dtype.Memory())
}
