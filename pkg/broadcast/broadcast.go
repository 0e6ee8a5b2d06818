// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package broadcast reconciles the shapes of the two operands of a binary elementwise operator, with
// NumPy-style broadcasting: shapes are aligned on their last axis, the shorter one is left-padded with 1s,
// and each output dimension is the max of the aligned dimensions.
//
// It has no hardware dependency other than the element count limit.
package broadcast

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// DefaultLimit is the maximum number of elements of any operand or result of the elementwise path.
const DefaultLimit = 1 << 31

// Reconcile returns the operands aligned to the same rank and the broadcast output shape, validating
// the element count against DefaultLimit.
// See ReconcileLimit.
func Reconcile(x, y []int) (shapeX, shapeY, shapeOut []int, err error) {
	return ReconcileLimit(x, y, DefaultLimit)
}

// ReconcileLimit returns the operands left-padded with 1s to the same rank, and the broadcast output
// shape, where shapeOut[i] = max(shapeX[i], shapeY[i]).
//
// The returned shapeX and shapeY keep the argument order, whichever of them was padded.
//
// Errors:
//   - errs.ShapeMismatch if a shape is empty, has a non-positive dimension, or if for some aligned
//     axis the dimensions differ and neither is 1.
//   - errs.ShapeTooLarge if any of the shapes has more than limit elements.
func ReconcileLimit(x, y []int, limit int) (shapeX, shapeY, shapeOut []int, err error) {
	for _, s := range [][]int{x, y} {
		if _, err = shapes.FromDimensions(dtypes.InvalidDType, s); err != nil {
			return
		}
		if err = shapes.CheckSize(s, limit); err != nil {
			return
		}
	}

	// Compute with the longer shape first, and restore the argument order at the end.
	origX, origY := x, y
	swapped := len(x) < len(y)
	if swapped {
		x, y = y, x
	}
	rank := len(x)
	shapeX = slices.Clone(x)
	shapeY = make([]int, rank)
	padding := rank - len(y)
	for axis := range padding {
		shapeY[axis] = 1
	}
	copy(shapeY[padding:], y)

	shapeOut = make([]int, rank)
	for axis := range rank {
		dimX, dimY := shapeX[axis], shapeY[axis]
		switch {
		case dimX == dimY:
			shapeOut[axis] = dimX
		case dimX == 1:
			shapeOut[axis] = dimY
		case dimY == 1:
			shapeOut[axis] = dimX
		default:
			if swapped {
				dimX, dimY = dimY, dimX
			}
			err = errs.Errorf(errs.ShapeMismatch, []int{dimX, dimY},
				"operands could not be broadcast together with shapes %v %v: dimensions %d and %d of aligned axis #%d",
				origX, origY, dimX, dimY, axis)
			return nil, nil, nil, err
		}
	}
	if err = shapes.CheckSize(shapeOut, limit); err != nil {
		return nil, nil, nil, err
	}
	if swapped {
		shapeX, shapeY = shapeY, shapeX
	}
	klog.V(2).Infof("broadcast: %v, %v -> %v", shapeX, shapeY, shapeOut)
	return
}

// SqueezeTrailingOne drops the last axis of the three shapes when it is 1 for all of them, and they have
// rank > 1. Otherwise it returns the shapes unchanged.
//
// The vector kernel handles the squeezed shapes with fewer loop levels.
func SqueezeTrailingOne(shapeX, shapeY, shapeOut []int) ([]int, []int, []int) {
	rank := len(shapeOut)
	if rank <= 1 || len(shapeX) != rank || len(shapeY) != rank {
		return shapeX, shapeY, shapeOut
	}
	if shapeX[rank-1] != 1 || shapeY[rank-1] != 1 || shapeOut[rank-1] != 1 {
		return shapeX, shapeY, shapeOut
	}
	return shapeX[:rank-1], shapeY[:rank-1], shapeOut[:rank-1]
}

// Shapes reconciles x and y, which must have the same dtype, and returns the shapes of the aligned
// operands and of the output, all with the same dtype.
func Shapes(x, y shapes.Shape, limit int) (sx, sy, out shapes.Shape, err error) {
	if x.DType != y.DType {
		err = errs.Errorf(errs.UnsupportedDataType, shapes.Name(y.DType),
			"operands must have the same dtype, got %s and %s", x, y)
		return
	}
	dimsX, dimsY, dimsOut, err := ReconcileLimit(x.Dimensions, y.Dimensions, limit)
	if err != nil {
		return
	}
	sx = shapes.Shape{DType: x.DType, Dimensions: dimsX}
	sy = shapes.Shape{DType: x.DType, Dimensions: dimsY}
	out = shapes.Shape{DType: x.DType, Dimensions: dimsOut}
	return
}
