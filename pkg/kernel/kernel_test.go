// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr(t *testing.T) {
	i := &Var{Name: "i", Extent: 4, id: 0}
	j := &Var{Name: "j", Extent: 3, id: 1}
	e := Sum(j.Scale(2), i.Scale(16), Const(5))
	assert.Equal(t, "16*i + 2*j + 5", e.String())
	assert.Equal(t, 16*3+2*1+5, e.Eval(Env{i: 3, j: 1}))
	minValue, maxValue := e.Range()
	assert.Equal(t, 5, minValue)
	assert.Equal(t, 16*3+2*2+5, maxValue)

	// Terms cancel out.
	zero := e.Add(i.Scale(-16)).Add(j.Scale(-2)).Plus(-5)
	assert.True(t, zero.IsConst())
	assert.Equal(t, "0", zero.String())

	neg := i.Expr().Scale(-1).Plus(-3)
	assert.Equal(t, "-i - 3", neg.String())
	minValue, maxValue = neg.Range()
	assert.Equal(t, -6, minValue)
	assert.Equal(t, -3, maxValue)

	assert.True(t, First(i).Eval(Env{i: 0}))
	assert.False(t, First(i).Eval(Env{i: 1}))
	assert.Equal(t, "i == 0", First(i).String())
}

// copyKernel copies x to y, 16 elements (one block of float16) at a time, each core copying half of the rows
// through a double-buffered staging tile.
func copyKernel(b *Builder) {
	shape := shapes.Make(dtypes.Float16, 4, 16)
	x := b.Input("x", shape)
	y := b.Output("y", shape)
	b.CoreLoop("core", func(core *Var) {
		b.Loop("row", 2, 2, func(row *Var) {
			buf := b.Alloc("buf", hardware.Staging, shapes.Make(dtypes.Float16, 16))
			offset := Sum(core.Scale(32), row.Scale(16))
			b.Move(MovementOp{Src: x.At(offset), Dst: buf.Region(), Count: 1, Burst: 1})
			b.Move(MovementOp{Src: buf.Region(), Dst: y.At(offset), Count: 1, Burst: 1})
		})
	})
}

func TestBuildAndWalk(t *testing.T) {
	profile := hardware.DefaultProfile()
	p, err := Emit(profile, "copy", copyKernel)
	require.NoError(t, err)
	require.Equal(t, 2, p.Cores)
	require.Len(t, p.Inputs, 1)
	require.Len(t, p.Outputs, 1)
	buf := p.Tensor("buf")
	require.NotNil(t, buf)
	assert.Equal(t, 2, buf.Instances)
	assert.Equal(t, 0, buf.Address)
	assert.Equal(t, 32, buf.InstanceBytes)
	assert.Equal(t, 64, p.StagingPeak)
	assert.Equal(t, "row", buf.Owner().Var.Name)

	type visited struct {
		core, instance, srcOffset, dstOffset int
	}
	var got []visited
	require.NoError(t, Walk(p, func(step Step) error {
		move := step.Instruction.(*MoveInstruction)
		if move.Dst.Tensor.Name == "buf" {
			got = append(got, visited{step.Core, move.Dst.Instance, move.Src.Offset, move.Dst.Offset})
			it, ok := step.InnermostPipelined()
			require.True(t, ok)
			assert.Equal(t, move.Dst.Instance, it.Index%2)
		}
		return nil
	}))
	assert.Equal(t, []visited{{0, 0, 0, 0}, {0, 1, 16, 0}, {1, 0, 32, 0}, {1, 1, 48, 0}}, got)

	listing := p.String()
	assert.Contains(t, listing, "for core in [0, 2) @cores:")
	assert.Contains(t, listing, "for row in [0, 2) @pipeline(2):")
	assert.Contains(t, listing, "move buf[0] <- x[32*core + 16*row]: count=1, burst=1")

	// Generation is deterministic.
	p2, err := Emit(profile, "copy", copyKernel)
	require.NoError(t, err)
	assert.Equal(t, listing, p2.String())

	summary := p.Summary()
	assert.Equal(t, 2, summary.Loops)
	assert.Equal(t, 1, summary.PipelinedLoops)
	assert.Equal(t, 2, summary.Moves)
	assert.Equal(t, 1, summary.Buffers)
	assert.Contains(t, summary.String(), "copy: 2 core(s)")

	err = WalkCore(p, 2, func(Step) error { return nil })
	require.Error(t, err)
}

func TestArena(t *testing.T) {
	profile := hardware.DefaultProfile()
	p, err := Emit(profile, "arena", func(b *Builder) {
		y := b.Output("y", shapes.Make(dtypes.Float16, 64))
		b.Alloc("top", hardware.Staging, shapes.Make(dtypes.Float16, 3)) // 6 bytes, aligned to 32.
		b.Loop("a", 2, 1, func(*Var) {
			first := b.Alloc("first", hardware.Staging, shapes.Make(dtypes.Float16, 16))
			b.Move(MovementOp{Src: first.Region(), Dst: y.Region(), Count: 1, Burst: 1})
		})
		b.Loop("b", 2, 1, func(*Var) {
			second := b.Alloc("second", hardware.Staging, shapes.Make(dtypes.Float16, 32))
			b.Move(MovementOp{Src: second.Region(), Dst: y.Region(), Count: 1, Burst: 2})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 0, p.Tensor("top").Address)
	assert.Equal(t, 32, p.Tensor("top").InstanceBytes)
	// Sibling loops reuse the same space.
	assert.Equal(t, 32, p.Tensor("first").Address)
	assert.Equal(t, 32, p.Tensor("second").Address)
	assert.Equal(t, 96, p.StagingPeak)

	// Overflow.
	_, err = Emit(profile, "overflow", func(b *Builder) {
		b.Output("y", shapes.Make(dtypes.Float16, 16))
		b.Loop("k", 2, 2, func(*Var) {
			b.Alloc("big", hardware.Staging, shapes.Make(dtypes.Float32, 256, 1024))
		})
	})
	require.Equal(t, errs.BufferOverflow, errs.KindOf(err))
	assert.Equal(t, 2<<20, errs.ValueOf(err))
}

func TestValidationErrors(t *testing.T) {
	profile := hardware.DefaultProfile()
	f16 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float16, dims...) }

	testCases := []struct {
		name string
		kind errs.Kind
		emit func(b *Builder)
	}{
		{"undeclared tensor", errs.LoweringError, func(b *Builder) {
			other := NewBuilder(profile, "other").Input("x", f16(16))
			y := b.Output("y", f16(16))
			b.Loop("i", 1, 1, func(*Var) {
				buf := b.Alloc("buf", hardware.Staging, f16(16))
				b.Move(MovementOp{Src: other.Region(), Dst: buf.Region(), Count: 1, Burst: 1})
				b.Move(MovementOp{Src: buf.Region(), Dst: y.Region(), Count: 1, Burst: 1})
			})
		}},
		{"out of scope", errs.LoweringError, func(b *Builder) {
			y := b.Output("y", f16(16))
			var buf *Tensor
			b.Loop("i", 1, 1, func(*Var) {
				buf = b.Alloc("buf", hardware.Staging, f16(16))
			})
			b.Move(MovementOp{Src: buf.Region(), Dst: y.Region(), Count: 1, Burst: 1})
		}},
		{"depth mismatch", errs.LoweringError, func(b *Builder) {
			x := b.Input("x", f16(32))
			b.Output("y", f16(16))
			b.Loop("i", 2, 2, func(i *Var) {
				buf := b.AllocInstances("buf", hardware.Staging, f16(16), 1)
				b.Move(MovementOp{Src: x.At(i.Scale(16)), Dst: buf.Region(), Count: 1, Burst: 1})
			})
		}},
		{"pipelined loop without buffers", errs.LoweringError, func(b *Builder) {
			b.Output("y", f16(16))
			b.Loop("i", 2, 2, func(*Var) {})
		}},
		{"global to accumulator", errs.LoweringError, func(b *Builder) {
			x := b.Input("x", shapes.Make(dtypes.Float32, 8))
			b.Output("y", f16(16))
			acc := b.Alloc("acc", hardware.Accumulator, shapes.Make(dtypes.Float32, 8))
			b.Move(MovementOp{Src: x.Region(), Dst: acc.Region(), Count: 1, Burst: 1})
		}},
		{"stride limit", errs.StrideLimitExceeded, func(b *Builder) {
			x := b.Input("x", f16(16*70000))
			b.Output("y", f16(16))
			buf := b.Alloc("buf", hardware.Staging, f16(32))
			b.Move(MovementOp{Src: x.Region(), Dst: buf.Region(), Count: 2, Burst: 1, SrcStride: 65536})
		}},
		{"out of bounds", errs.LoweringError, func(b *Builder) {
			x := b.Input("x", f16(32))
			b.Output("y", f16(16))
			b.Loop("i", 3, 1, func(i *Var) {
				buf := b.Alloc("buf", hardware.Staging, f16(16))
				b.Move(MovementOp{Src: x.At(i.Scale(16)), Dst: buf.Region(), Count: 1, Burst: 1})
			})
		}},
		{"quantize outside write-back", errs.LoweringError, func(b *Builder) {
			x := b.Input("x", f16(16))
			b.Output("y", f16(16))
			buf := b.Alloc("buf", hardware.Staging, f16(16))
			b.Move(MovementOp{Src: x.Region(), Dst: buf.Region(), Count: 1, Burst: 1,
				Quantize: QuantizeSpec{Mode: FP32ToFP16}})
		}},
		{"duplicate name", errs.LoweringError, func(b *Builder) {
			b.Input("x", f16(16))
			b.Output("x", f16(16))
		}},
		{"no outputs", errs.LoweringError, func(b *Builder) {
			b.Input("x", f16(16))
		}},
		{"too large", errs.ShapeTooLarge, func(b *Builder) {
			b.Input("x", f16(1<<16, 1<<16))
		}},
		{"alloc inside if", errs.LoweringError, func(b *Builder) {
			b.Output("y", f16(16))
			b.Loop("i", 2, 1, func(i *Var) {
				b.If(First(i), func() { b.Alloc("buf", hardware.Staging, f16(16)) }, nil)
			})
		}},
		{"write-back dtype", errs.LoweringError, func(b *Builder) {
			y := b.Output("y", f16(16))
			acc := b.Alloc("acc", hardware.Accumulator, shapes.Make(dtypes.Int32, 16))
			b.WriteBack(MovementOp{Src: acc.Region(), Dst: y.Region(), Count: 1, Burst: 2,
				Quantize: QuantizeSpec{Mode: FP32ToFP16}})
		}},
	}
	for _, tc := range testCases {
		_, err := Emit(profile, tc.name, tc.emit)
		require.Errorf(t, err, "test case %q should have failed", tc.name)
		assert.Equalf(t, tc.kind, errs.KindOf(err), "test case %q: %v", tc.name, err)
	}
}

func TestWriteBack(t *testing.T) {
	profile := hardware.DefaultProfile()
	p, err := Emit(profile, "wb", func(b *Builder) {
		y := b.Output("y", f16Shape(16))
		acc := b.Alloc("acc", hardware.Accumulator, shapes.Make(dtypes.Float32, 16))
		b.WriteBack(MovementOp{Src: acc.Region(), Dst: y.Region(), Count: 1, Burst: 2,
			Quantize: QuantizeSpec{Mode: FP32ToFP16}})
	})
	require.NoError(t, err)
	assert.Contains(t, p.String(), "write_back y[0] <- acc[0]: count=1, burst=2, src_stride=0, dst_stride=0, quantize=fp32->fp16(scale=1)")
	assert.Equal(t, 1, p.Summary().WriteBacks)
}

func f16Shape(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float16, dims...) }
