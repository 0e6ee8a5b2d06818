// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type (DType) plus the dimensions of a tensor, and the helpers used
// to validate them against the hardware limits of the accelerator.
//
// DType is the enum from github.com/gomlx/gopjrt/dtypes. Only a handful of element types are understood
// by the accelerator (see Supported), everything else is rejected with errs.UnsupportedDataType.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Negative axes count from the end.
//   - Dimension: the size of a tensor in one of its axes.
//   - Size: the number of elements, the product of all dimensions.
package shapes

import (
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
)

// Shape of a tensor: its element type and its dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if a dimension is <= 0: use FromDimensions to get an error instead.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// FromDimensions returns a new shape, or an errs.ShapeMismatch error if the dimensions are empty or not positive.
func FromDimensions(dtype dtypes.DType, dimensions []int) (Shape, error) {
	if len(dimensions) == 0 {
		return Invalid(), errs.Errorf(errs.ShapeMismatch, dimensions, "shape must have rank >= 1, got %v", dimensions)
	}
	for axis, dim := range dimensions {
		if dim <= 0 {
			return Invalid(), errs.Errorf(errs.ShapeMismatch, dim,
				"dimension of axis #%d must be positive, got shape %v", axis, dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}, nil
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", Name(s.DType))
	}
	return fmt.Sprintf("(%s)%v", Name(s.DType), s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() int {
	return int(s.DType.Memory()) * s.Size()
}

// CheckSize returns an errs.ShapeTooLarge error if the number of elements of the shape is larger than limit.
// It doesn't overflow for huge dimensions.
func (s Shape) CheckSize(limit int) error {
	return CheckSize(s.Dimensions, limit)
}

// CheckSize returns an errs.ShapeTooLarge error if the product of dims is larger than limit.
// It doesn't overflow for huge dimensions.
func CheckSize(dims []int, limit int) error {
	size := 1
	for _, dim := range dims {
		if dim > 0 && size > math.MaxInt/dim {
			return errs.Errorf(errs.ShapeTooLarge, dims, "the shape %v is too large to calculate (overflows int)", dims)
		}
		size *= dim
	}
	if size > limit {
		return errs.Errorf(errs.ShapeTooLarge, size,
			"the shape %v is too large to calculate: %d elements, limit is %d", dims, size, limit)
	}
	return nil
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// Strides returns the row-major strides (in elements) of each axis: the last axis has stride 1.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Iter iterates over all indices of the shape in row-major order (the last axis changes fastest).
// The yielded slice is owned by Iter: don't change it inside the loop.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() {
			return
		}
		for _, dim := range s.Dimensions {
			if dim <= 0 {
				return
			}
		}
		rank := s.Rank()
		indices := make([]int, rank)
		for {
			if !yield(indices) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// namesToDType maps the names used by the framework descriptors to the DType.
var namesToDType = map[string]dtypes.DType{
	"float16": dtypes.Float16,
	"fp16":    dtypes.Float16,
	"half":    dtypes.Float16,
	"float32": dtypes.Float32,
	"float":   dtypes.Float32,
	"fp32":    dtypes.Float32,
	"int8":    dtypes.Int8,
	"uint8":   dtypes.Uint8,
	"int32":   dtypes.Int32,
}

// ParseDType converts a descriptor dtype name ("float16", "float32", "int8", "int32", "uint8") to a DType.
// Names are case-insensitive. Unknown names return an errs.UnsupportedDataType error.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := namesToDType[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return dtypes.InvalidDType, errs.Errorf(errs.UnsupportedDataType, name,
			"unsupported dtype %q: only float16, float32, int8, uint8 and int32 are known", name)
	}
	return dtype, nil
}

// Name returns the descriptor name of the dtype ("float16", "int32", ...), the inverse of ParseDType.
func Name(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float16:
		return "float16"
	case dtypes.Float32:
		return "float32"
	case dtypes.Int8:
		return "int8"
	case dtypes.Uint8:
		return "uint8"
	case dtypes.Int32:
		return "int32"
	}
	return strings.ToLower(dtype.String())
}

// Supported returns an errs.UnsupportedDataType error if dtype is not one of the allowed dtypes.
func Supported(dtype dtypes.DType, allowed ...dtypes.DType) error {
	if slices.Contains(allowed, dtype) {
		return nil
	}
	names := make([]string, 0, len(allowed))
	for _, a := range allowed {
		names = append(names, Name(a))
	}
	return errs.Errorf(errs.UnsupportedDataType, Name(dtype),
		"only support %s while dtype is %s", strings.Join(names, ","), Name(dtype))
}
