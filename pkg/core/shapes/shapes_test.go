// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	require.False(t, Invalid().Ok())

	shape := Make(dtypes.Float16, 4, 3, 2)
	require.True(t, shape.Ok())
	require.Equal(t, 3, shape.Rank())
	require.Equal(t, 24, shape.Size())
	require.Equal(t, 48, shape.Memory())
	require.Equal(t, []int{6, 2, 1}, shape.Strides())
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(0))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })

	clone := shape.Clone()
	clone.Dimensions[0] = 5
	require.Equal(t, 4, shape.Dimensions[0])
	require.False(t, shape.Equal(clone))
	require.True(t, shape.Equal(Make(dtypes.Float16, 4, 3, 2)))
	require.False(t, shape.Equal(Make(dtypes.Float32, 4, 3, 2)))
}

func TestFromDimensions(t *testing.T) {
	_, err := FromDimensions(dtypes.Float32, nil)
	require.True(t, errs.Is(err, errs.ShapeMismatch))
	_, err = FromDimensions(dtypes.Float32, []int{3, -1})
	require.True(t, errs.Is(err, errs.ShapeMismatch))
	assert.Equal(t, -1, errs.ValueOf(err))
	shape, err := FromDimensions(dtypes.Int32, []int{3, 1})
	require.NoError(t, err)
	require.Equal(t, "(int32)[3 1]", shape.String())
}

func TestCheckSize(t *testing.T) {
	require.NoError(t, CheckSize([]int{1 << 15, 1 << 16}, 1<<31))
	err := CheckSize([]int{1 << 16, 1 << 16}, 1<<31)
	require.True(t, errs.Is(err, errs.ShapeTooLarge))
	err = CheckSize([]int{1 << 40, 1 << 40, 1 << 40}, 1<<31)
	require.True(t, errs.Is(err, errs.ShapeTooLarge))
}

func TestIter(t *testing.T) {
	var got [][]int
	for indices := range Make(dtypes.Float32, 2, 1, 2).Iter() {
		got = append(got, append([]int(nil), indices...))
	}
	require.Equal(t, [][]int{{0, 0, 0}, {0, 0, 1}, {1, 0, 0}, {1, 0, 1}}, got)
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]dtypes.DType{
		"float16": dtypes.Float16, "FLOAT32": dtypes.Float32, "int8": dtypes.Int8, "int32": dtypes.Int32,
	} {
		got, err := ParseDType(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, want, must.M1(ParseDType(Name(got))))
	}
	_, err := ParseDType("bfloat16")
	require.True(t, errs.Is(err, errs.UnsupportedDataType))

	require.NoError(t, Supported(dtypes.Float16, dtypes.Float16, dtypes.Int8))
	err = Supported(dtypes.Float64, dtypes.Float16, dtypes.Int8)
	require.True(t, errs.Is(err, errs.UnsupportedDataType))
	require.Contains(t, err.Error(), "float16,int8")
}
