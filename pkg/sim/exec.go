// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sim

import (
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
)

// writable checks that loc is not a kernel input, which are shared by the cores.
func (c *coreState) writable(loc kernel.Location) error {
	if _, isInput := c.sim.inputs[loc.Tensor]; isInput {
		return errs.Errorf(errs.LoweringError, loc.Tensor.Name, "kernel %q, core %d: writes to input %q",
			c.sim.program.Name, c.core, loc.Tensor.Name)
	}
	return nil
}

func (c *coreState) move(inst *kernel.MoveInstruction, step kernel.Step) error {
	op := inst.Stmt.MovementOp
	if err := c.reading(inst.Src, step); err != nil {
		return err
	}
	if err := c.writable(inst.Dst); err != nil {
		return err
	}
	if op.Src.Tensor.Tier == hardware.Accumulator {
		c.stats.WriteBacks++
	} else {
		c.stats.Moves++
	}
	c.stats.BlocksMoved += op.Blocks()

	profile := c.sim.program.Profile
	blockElems := profile.BlockBytes / int(op.Src.Tensor.Shape.DType.Memory())
	burstElems := op.Burst * blockElems
	scale := 1.0
	if op.Quantize.Mode != kernel.QuantizeNone {
		scale = op.Quantize.EffectiveScale()
	}
	src := c.memory(inst.Src)
	for row := range op.Count {
		srcStart := inst.Src.Offset + row*(op.Burst+op.SrcStride)*blockElems
		dstStart := inst.Dst.Offset + row*(op.Burst+op.DstStride)*blockElems
		for i := range burstElems {
			c.store(inst.Dst, dstStart+i, src[srcStart+i]*scale)
		}
	}
	c.wrote(inst.Dst, step)
	return nil
}

// matmul computes, in the blocked layouts:
//
//	Dst[n/16, m, n%16] (+)= Σ_k A[k/K0, m, k%K0] * B[k/K0, n, k%K0]
func (c *coreState) matmul(inst *kernel.MatmulInstruction, step kernel.Step) error {
	s := inst.Stmt
	for _, loc := range []kernel.Location{inst.A, inst.B} {
		if err := c.reading(loc, step); err != nil {
			return err
		}
	}
	if !inst.Initialize {
		if err := c.reading(inst.Dst, step); err != nil {
			return err
		}
	}
	a, b, dst := c.memory(inst.A), c.memory(inst.B), c.memory(inst.Dst)
	for m := range s.M {
		for n := range s.N {
			var sum float64
			for k := range s.K {
				k1, k0 := k/s.K0, k%s.K0
				sum += a[inst.A.Offset+(k1*s.M+m)*s.K0+k0] * b[inst.B.Offset+(k1*s.N+n)*s.K0+k0]
			}
			index := inst.Dst.Offset + ((n/16)*s.M+m)*16 + n%16
			if !inst.Initialize {
				sum += dst[index]
			}
			c.store(inst.Dst, index, sum)
		}
	}
	c.wrote(inst.Dst, step)
	return nil
}

// conv2D computes one channel tile of one sample, with zero padding:
//
//	Dst[co/16, ho*Wo+wo, co%16] = Σ FeatureMap[c1, h, w, c0] * Weight[c1, kh, kw, co, c0]
//
// where h = ho*StrideH - PadTop + kh*DilationH and w = wo*StrideW - PadLeft + kw*DilationW.
func (c *coreState) conv2D(inst *kernel.Conv2DInstruction, step kernel.Step) error {
	g := inst.Stmt.Geometry
	for _, loc := range []kernel.Location{inst.FeatureMap, inst.Weight} {
		if err := c.reading(loc, step); err != nil {
			return err
		}
	}
	fm, w := c.memory(inst.FeatureMap), c.memory(inst.Weight)
	for co := range g.Cout {
		for ho := range g.Ho {
			for wo := range g.Wo {
				var sum float64
				for c1 := range g.C1 {
					for kh := range g.KH {
						h := ho*g.StrideH - g.PadTop + kh*g.DilationH
						if h < 0 || h >= g.H {
							continue
						}
						for kw := range g.KW {
							x := wo*g.StrideW - g.PadLeft + kw*g.DilationW
							if x < 0 || x >= g.W {
								continue
							}
							fmBase := inst.FeatureMap.Offset + ((c1*g.H+h)*g.W+x)*g.C0
							wBase := inst.Weight.Offset + (((c1*g.KH+kh)*g.KW+kw)*g.Cout+co)*g.C0
							for c0 := range g.C0 {
								sum += fm[fmBase+c0] * w[wBase+c0]
							}
						}
					}
				}
				index := inst.Dst.Offset + ((co/16)*g.RoundHoWo+ho*g.Wo+wo)*16 + co%16
				c.store(inst.Dst, index, sum)
			}
		}
	}
	c.wrote(inst.Dst, step)
	return nil
}

// elementwise adds the broadcast operands, iterating over the output in row-major order.
func (c *coreState) elementwise(inst *kernel.ElementwiseInstruction, step kernel.Step) error {
	s := inst.Stmt
	for _, loc := range []kernel.Location{inst.X, inst.Y} {
		if err := c.reading(loc, step); err != nil {
			return err
		}
	}
	if err := c.writable(inst.Dst); err != nil {
		return err
	}
	x, y := c.memory(inst.X), c.memory(inst.Y)
	rank := len(s.OutDims)
	xStrides, yStrides := broadcastStrides(s.XDims), broadcastStrides(s.YDims)
	index := make([]int, rank)
	size := 1
	for _, d := range s.OutDims {
		size *= d
	}
	for flat := range size {
		xi, yi := inst.X.Offset, inst.Y.Offset
		for axis, i := range index {
			xi += i * xStrides[axis]
			yi += i * yStrides[axis]
		}
		c.store(inst.Dst, inst.Dst.Offset+flat, x[xi]+y[yi])

		// Increment the row-major index.
		for axis := rank - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < s.OutDims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	c.wrote(inst.Dst, step)
	return nil
}

// broadcastStrides returns the row-major strides of dims, with 0 for the broadcast (size 1) axes.
func broadcastStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] != 1 {
			strides[axis] = stride
		}
		stride *= dims[axis]
	}
	return strides
}
