// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sim

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	return values
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.0, Round(dtypes.Float16, 1.0))
	assert.Equal(t, 2048.0, Round(dtypes.Float16, 2049.0)) // float16 has 11 bits of mantissa.
	assert.Equal(t, float64(float32(0.1)), Round(dtypes.Float32, 0.1))
	assert.Equal(t, 127.0, Round(dtypes.Int8, 300))
	assert.Equal(t, -128.0, Round(dtypes.Int8, -300))
	assert.Equal(t, 2.0, Round(dtypes.Int32, 2.5))
	assert.Equal(t, 0.0, Round(dtypes.Uint8, -1))
}

func TestLayouts(t *testing.T) {
	// [2, 32] with k0=16 -> [2, 2, 16].
	a := seq(64)
	blocked := BlockMatrixA(a, 2, 32, 16)
	assert.Equal(t, 16.0, blocked[2*16]) // a[0, 16]: block 1, row 0.
	assert.Equal(t, 32.0, blocked[16])   // a[1, 0]: block 0, row 1.

	// Identity matrices through the blocked layouts.
	m, k, n := 16, 32, 32
	x := seq(m * k)
	eye := make([]float64, k*n)
	for i := range k {
		eye[i*n+i] = 1
	}
	assert.Equal(t, x, Matmul(x, eye, m, k, n))

	c := seq(m * n)
	blockedC := make([]float64, m*n)
	for i := range m {
		for j := range n {
			blockedC[((j/16)*m+i)*16+j%16] = c[i*n+j]
		}
	}
	assert.Equal(t, c, UnblockMatrixC(blockedC, m, n))

	// 1x1 convolution with identity weights is a copy.
	fm := seq(2 * 16 * 2 * 3)
	weights := make([]float64, 16*16)
	for o := range 16 {
		weights[o*16+o] = 1
	}
	cfg := ConvConfig{N: 2, C: 16, H: 2, W: 3, Cout: 16, KH: 1, KW: 1, StrideH: 1, StrideW: 1,
		DilationH: 1, DilationW: 1, Ho: 2, Wo: 3}
	assert.Equal(t, fm, Conv2D(fm, weights, cfg))
	blockedFM := BlockFeatureMap(fm, 2, 16, 2, 3, 16)
	assert.Equal(t, fm[2*3], blockedFM[1]) // channel 1 of pixel (0, 0).
	assert.Equal(t, fm, UnblockConvOutput(blockedFM, 2, 16, 2, 3))

	assert.Equal(t, []float64{11, 12, 21, 22}, Add([]float64{1, 2}, []float64{10, 20}, []int{1, 2}, []int{2, 1},
		[]int{2, 2}))
}

// copyProgram copies x to y through a staging buffer, each core copying 16 elements. If overlap is true
// both cores write the same elements of y.
func copyProgram(t *testing.T, overlap bool) *kernel.Program {
	p, err := kernel.Emit(hardware.DefaultProfile(), "copy", func(b *kernel.Builder) {
		x := b.Input("x", shapes.Make(dtypes.Float16, 32))
		y := b.Output("y", shapes.Make(dtypes.Float16, 32))
		b.CoreLoop("core", func(core *kernel.Var) {
			buf := b.Alloc("buf", hardware.Staging, shapes.Make(dtypes.Float16, 16))
			dst := core.Scale(16)
			if overlap {
				dst = kernel.Const(0)
			}
			b.Move(kernel.MovementOp{Src: x.At(core.Scale(16)), Dst: buf.Region(), Count: 1, Burst: 1})
			b.Move(kernel.MovementOp{Src: buf.Region(), Dst: y.At(dst), Count: 1, Burst: 1})
		})
	})
	require.NoError(t, err)
	return p
}

func TestRunCopy(t *testing.T) {
	p := copyProgram(t, false)
	for _, parallelism := range []int{0, 1, -1} {
		var done []int
		opts := Options{Parallelism: parallelism}
		if parallelism == 0 {
			opts.OnCoreDone = func(core int) { done = append(done, core) }
		}
		result, err := Run(p, map[string][]float64{"x": seq(32)}, opts)
		require.NoError(t, err)
		assert.Equal(t, seq(32), result.Outputs["y"])
		assert.Equal(t, 0, result.Unwritten["y"])
		assert.Equal(t, 4, result.Total.Moves)
		assert.Equal(t, 4, result.Total.BlocksMoved)
		assert.Equal(t, 2, result.Cores[1].Instructions)
		if parallelism == 0 {
			assert.Equal(t, []int{0, 1}, done)
		}
	}
}

func TestRunErrors(t *testing.T) {
	p := copyProgram(t, false)
	_, err := Run(p, nil, Options{})
	assert.Equal(t, errs.ShapeMismatch, errs.KindOf(err))
	_, err = Run(p, map[string][]float64{"x": seq(31)}, Options{})
	assert.Equal(t, errs.ShapeMismatch, errs.KindOf(err))
	_, err = Run(p, map[string][]float64{"x": seq(32), "z": seq(1)}, Options{})
	assert.Equal(t, errs.ShapeMismatch, errs.KindOf(err))

	// Both cores write y[0:16].
	_, err = Run(copyProgram(t, true), map[string][]float64{"x": seq(32)}, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.LoweringError, errs.KindOf(err))
	assert.Contains(t, err.Error(), "both write")

	// The buffer is read before anything is written to it.
	p, err = kernel.Emit(hardware.DefaultProfile(), "uninitialized", func(b *kernel.Builder) {
		y := b.Output("y", shapes.Make(dtypes.Float16, 16))
		buf := b.Alloc("buf", hardware.Staging, shapes.Make(dtypes.Float16, 16))
		b.Move(kernel.MovementOp{Src: buf.Region(), Dst: y.Region(), Count: 1, Burst: 1})
	})
	require.NoError(t, err)
	_, err = Run(p, nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read before it is written")
}

func TestHazard(t *testing.T) {
	// The buffer is filled only on the first iteration of its loop, and read on every iteration: from
	// the second iteration on, the instance holds data of a previous iteration.
	p, err := kernel.Emit(hardware.DefaultProfile(), "stale", func(b *kernel.Builder) {
		x := b.Input("x", shapes.Make(dtypes.Float16, 16))
		y := b.Output("y", shapes.Make(dtypes.Float16, 64))
		b.Loop("i", 4, 1, func(i *kernel.Var) {
			buf := b.Alloc("buf", hardware.Staging, shapes.Make(dtypes.Float16, 16))
			b.If(kernel.First(i), func() {
				b.Move(kernel.MovementOp{Src: x.Region(), Dst: buf.Region(), Count: 1, Burst: 1})
			}, nil)
			b.Move(kernel.MovementOp{Src: buf.Region(), Dst: y.At(i.Scale(16)), Count: 1, Burst: 1})
		})
	})
	require.NoError(t, err)
	_, err = Run(p, map[string][]float64{"x": seq(16)}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hazard on buf")
}

func TestElementwise(t *testing.T) {
	p, err := kernel.Emit(hardware.DefaultProfile(), "add", func(b *kernel.Builder) {
		x := b.Input("x", shapes.Make(dtypes.Float32, 4, 1))
		y := b.Input("y", shapes.Make(dtypes.Float32, 1, 3))
		out := b.Output("out", shapes.Make(dtypes.Float32, 4, 3))
		b.Elementwise(kernel.Elementwise{Op: kernel.ElementwiseAdd, Dst: out.Region(), X: x.Region(), Y: y.Region(),
			OutDims: []int{4, 3}, XDims: []int{4, 1}, YDims: []int{1, 3}})
	})
	require.NoError(t, err)
	x, y := []float64{0, 10, 20, 30}, []float64{1, 2, 3}
	result, err := Run(p, map[string][]float64{"x": x, "y": y}, Options{})
	require.NoError(t, err)
	want := []float64{1, 2, 3, 11, 12, 13, 21, 22, 23, 31, 32, 33}
	assert.Equal(t, want, result.Outputs["out"])
	assert.Equal(t, want, Add(x, y, []int{4, 1}, []int{1, 3}, []int{4, 3}))
	assert.Equal(t, 1, result.Total.Computes)
}
