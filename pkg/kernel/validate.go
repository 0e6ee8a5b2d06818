// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/tiling"
)

// Validate checks the consistency of a Program, returning an errs.LoweringError (or errs.StrideLimitExceeded
// for a transfer beyond the DMA limits) describing the first problem found:
//
//   - Every tensor referenced is declared in the program and visible: globals everywhere, buffers only
//     in the body allocating them (and nested bodies), after the allocation.
//   - Inputs and outputs are global tensors.
//   - The core loop, if any, is unique, at the top level, and uses at most Profile.Cores cores.
//   - Every buffer allocated directly in a loop body has as many instances as the loop depth, and a
//     pipelined loop (depth > 1) allocates at least one buffer. Buffers can't be allocated inside If branches.
//   - Transfers go in a legal direction, have compatible dtypes, are within the DMA limits and within
//     the bounds of their tensors for every value of the loop variables.
//   - Compute instructions read and write the tiers and dtypes they expect, within bounds.
func Validate(p *Program) error {
	v := &validator{p: p, visible: make(map[*Tensor]bool)}
	return v.validate()
}

type validator struct {
	p       *Program
	visible map[*Tensor]bool

	// vars of the enclosing loops.
	vars []*Var
}

func (v *validator) errorf(value any, format string, args ...any) error {
	return errs.Errorf(errs.LoweringError, value, "kernel %q: %s", v.p.Name, fmt.Sprintf(format, args...))
}

func (v *validator) validate() error {
	p := v.p
	if p.Profile == nil {
		return v.errorf(nil, "no hardware profile")
	}
	names := make(map[string]bool, len(p.Tensors))
	for _, t := range p.Tensors {
		if names[t.Name] {
			return v.errorf(t.Name, "tensor %q declared twice", t.Name)
		}
		names[t.Name] = true
		if t.Tier == hardware.Global {
			if t.Instances != 1 {
				return v.errorf(t.Name, "global tensor %q must have 1 instance, got %d", t.Name, t.Instances)
			}
			v.visible[t] = true
		}
	}
	for _, list := range [][]*Tensor{p.Inputs, p.Outputs} {
		for _, t := range list {
			if t.Tier != hardware.Global || !slices.Contains(p.Tensors, t) {
				return v.errorf(t.Name, "input/output %q must be a declared global tensor", t.Name)
			}
		}
	}
	for _, t := range p.Outputs {
		if slices.Contains(p.Inputs, t) {
			return v.errorf(t.Name, "tensor %q can't be both input and output", t.Name)
		}
	}
	if len(p.Outputs) == 0 {
		return v.errorf(p.Name, "kernel has no outputs")
	}
	return v.body(p.Body, nil, false)
}

// body validates the statements of a body, whose enclosing loop is loop (nil at the top level).
func (v *validator) body(stmts []Stmt, loop *Loop, inIf bool) error {
	var allocated []*Tensor
	defer func() {
		for _, t := range allocated {
			delete(v.visible, t)
		}
	}()

	numAllocs := 0
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *Alloc:
			t := s.Tensor
			if t == nil || !slices.Contains(v.p.Tensors, t) {
				return v.errorf(nil, "allocation of an undeclared tensor")
			}
			if inIf {
				return v.errorf(t.Name, "buffer %q can't be allocated inside a conditional", t.Name)
			}
			if !t.Tier.OnChip() {
				return v.errorf(t.Name, "buffer %q must be on-chip, got %s", t.Name, t.Tier)
			}
			if v.visible[t] {
				return v.errorf(t.Name, "buffer %q allocated twice", t.Name)
			}
			if t.owner != loop {
				return v.errorf(t.Name, "buffer %q allocated outside its loop", t.Name)
			}
			depth := 1
			if loop != nil {
				depth = loop.Depth
			}
			if t.Instances != depth {
				return v.errorf(t.Name, "buffer %q has %d instances, but the buffering depth of its loop is %d",
					t.Name, t.Instances, depth)
			}
			v.visible[t] = true
			allocated = append(allocated, t)
			numAllocs++

		case *Loop:
			if err := v.loop(s, loop); err != nil {
				return err
			}

		case *If:
			if s.Cond.Var == nil || !slices.Contains(v.vars, s.Cond.Var) {
				return v.errorf(nil, "condition of If must test an enclosing loop variable")
			}
			if err := v.body(s.Then, loop, true); err != nil {
				return err
			}
			if err := v.body(s.Else, loop, true); err != nil {
				return err
			}

		case *Move:
			if err := v.move(&s.MovementOp); err != nil {
				return err
			}
		case *Matmul:
			if err := v.matmul(s); err != nil {
				return err
			}
		case *Conv2D:
			if err := v.conv2D(s); err != nil {
				return err
			}
		case *Elementwise:
			if err := v.elementwise(s); err != nil {
				return err
			}
		default:
			return v.errorf(fmt.Sprintf("%T", stmt), "unknown statement type %T", stmt)
		}
	}
	if loop != nil && !inIf && loop.Pipelined() && numAllocs == 0 {
		return v.errorf(loop.Var.Name, "loop %q has buffering depth %d but allocates no buffer",
			loop.Var.Name, loop.Depth)
	}
	return nil
}

func (v *validator) loop(l *Loop, parent *Loop) error {
	if l.Var == nil || l.Var.Extent < 1 || l.Depth < 1 {
		return v.errorf(l.Var, "loops must have a variable, extent >= 1 and depth >= 1")
	}
	if l.Kind == CoreParallel {
		if parent != nil {
			return v.errorf(l.Var.Name, "core loop %q must be at the top level", l.Var.Name)
		}
		if l.Var.Extent > v.p.Profile.Cores || l.Var.Extent != v.p.Cores {
			return v.errorf(l.Var.Extent, "core loop %q over %d cores, program has %d cores and the profile %d",
				l.Var.Name, l.Var.Extent, v.p.Cores, v.p.Profile.Cores)
		}
		if l.Depth != 1 {
			return v.errorf(l.Var.Name, "core loop %q can't be pipelined", l.Var.Name)
		}
	}
	v.vars = append(v.vars, l.Var)
	defer func() { v.vars = v.vars[:len(v.vars)-1] }()
	return v.body(l.Body, l, false)
}

// checkRegion checks that the region is visible, on the expected tier, and that [offset, offset+length)
// (in elements) is within one instance of the tensor for every value of the loop variables.
func (v *validator) checkRegion(r Region, what string, length int, tiers ...hardware.Tier) error {
	t := r.Tensor
	if t == nil || !slices.Contains(v.p.Tensors, t) {
		return v.errorf(what, "%s references an undeclared tensor", what)
	}
	if !v.visible[t] {
		return v.errorf(t.Name, "%s references tensor %q out of its scope", what, t.Name)
	}
	if len(tiers) > 0 && !slices.Contains(tiers, t.Tier) {
		return v.errorf(t.Name, "%s: tensor %q is in the %s tier, expected %v", what, t.Name, t.Tier, tiers)
	}
	for _, term := range r.Offset.Terms {
		if term.Var == nil || !slices.Contains(v.vars, term.Var) {
			return v.errorf(t.Name, "%s: offset of %q uses a variable out of its loop", what, t.Name)
		}
	}
	minOffset, maxOffset := r.Offset.Range()
	if minOffset < 0 || maxOffset+length > t.Size() {
		return v.errorf(t.Name, "%s: region %s of %d elements is out of bounds of %s (offsets in [%d, %d])",
			what, r, length, t.Shape, minOffset, maxOffset)
	}
	return nil
}

// blockElements returns the number of elements of dtype in a transfer block.
func (v *validator) blockElements(dtype dtypes.DType) (int, error) {
	size := int(dtype.Memory())
	if size <= 0 || v.p.Profile.BlockBytes%size != 0 {
		return 0, v.errorf(shapes.Name(dtype), "dtype %s doesn't fit in blocks of %d bytes",
			shapes.Name(dtype), v.p.Profile.BlockBytes)
	}
	return v.p.Profile.BlockBytes / size, nil
}

func (v *validator) move(op *MovementOp) error {
	if op.Src.Tensor == nil || op.Dst.Tensor == nil {
		return v.errorf(op.String(), "transfer with undeclared tensor")
	}
	src, dst := op.Src.Tensor, op.Dst.Tensor
	legal, writeBack := legalDirection(src.Tier, dst.Tier)
	if !legal {
		return v.errorf(op.String(), "illegal transfer %s -> %s (%s)", src.Tier, dst.Tier, op)
	}
	if op.Quantize.Mode != QuantizeNone && !writeBack {
		return v.errorf(op.String(), "only write-backs can quantize: %s", op)
	}
	switch op.Quantize.Mode {
	case QuantizeNone:
		if src.Shape.DType != dst.Shape.DType {
			return v.errorf(op.String(), "transfer between different dtypes without quantization: %s", op)
		}
	case FP32ToFP16:
		if src.Shape.DType != dtypes.Float32 || dst.Shape.DType != dtypes.Float16 {
			return v.errorf(op.String(), "quantize %s requires float32 -> float16, got %s -> %s",
				op.Quantize, shapes.Name(src.Shape.DType), shapes.Name(dst.Shape.DType))
		}
	case Int32ToFP16:
		if src.Shape.DType != dtypes.Int32 || dst.Shape.DType != dtypes.Float16 {
			return v.errorf(op.String(), "quantize %s requires int32 -> float16, got %s -> %s",
				op.Quantize, shapes.Name(src.Shape.DType), shapes.Name(dst.Shape.DType))
		}
	default:
		return v.errorf(op.String(), "unknown quantize mode %s", op.Quantize.Mode)
	}

	profile := v.p.Profile
	if op.Count < 1 || op.Burst < 1 || op.SrcStride < 0 || op.DstStride < 0 {
		return v.errorf(op.String(), "invalid transfer parameters: %s", op)
	}
	for _, limit := range []struct {
		name         string
		value, limit int
	}{
		{"count", op.Count, profile.MaxBurstCount},
		{"burst", op.Burst, profile.MaxBurst},
		{"src_stride", op.SrcStride, profile.MaxStride},
		{"dst_stride", op.DstStride, profile.MaxStride},
	} {
		if limit.value > limit.limit {
			return errs.Errorf(errs.StrideLimitExceeded, limit.value, "kernel %q: transfer %s=%d exceeds the limit %d: %s",
				v.p.Name, limit.name, limit.value, limit.limit, op)
		}
	}

	blockElems, err := v.blockElements(src.Shape.DType)
	if err != nil {
		return err
	}
	if err = v.checkRegion(op.Src, "transfer source", op.SrcSpan()*blockElems); err != nil {
		return err
	}
	return v.checkRegion(op.Dst, "transfer destination", op.DstSpan()*blockElems)
}

func (v *validator) matmul(op *Matmul) error {
	if op.M < 1 || op.K < 1 || op.N < 1 || op.K0 < 1 || op.K%op.K0 != 0 || op.N%tiling.CubeUnit != 0 {
		return v.errorf([]int{op.M, op.K, op.N}, "invalid matmul extents M=%d, K=%d, N=%d, K0=%d", op.M, op.K, op.N, op.K0)
	}
	if err := v.checkRegion(op.A, "matmul A", op.K*op.M, hardware.Staging); err != nil {
		return err
	}
	if err := v.checkRegion(op.B, "matmul B", op.K*op.N, hardware.Staging); err != nil {
		return err
	}
	if err := v.checkRegion(op.Dst, "matmul destination", op.N*op.M, hardware.Accumulator); err != nil {
		return err
	}
	inDType := op.A.Tensor.Shape.DType
	if op.B.Tensor.Shape.DType != inDType {
		return v.errorf(op.B.Tensor.Name, "matmul operands with different dtypes")
	}
	accDType, err := tiling.AccumulatorDType(inDType)
	if err != nil || op.Dst.Tensor.Shape.DType != accDType {
		return v.errorf(op.Dst.Tensor.Name, "matmul of %s can't accumulate into %s",
			shapes.Name(inDType), shapes.Name(op.Dst.Tensor.Shape.DType))
	}
	return nil
}

func (v *validator) conv2D(op *Conv2D) error {
	g := op.Geometry
	if g.C1 < 1 || g.C0 < 1 || g.Ho < 1 || g.Wo < 1 || g.Cout%tiling.CubeUnit != 0 || g.RoundHoWo < g.Ho*g.Wo {
		return v.errorf(g, "invalid conv2d geometry %+v", g)
	}
	if err := v.checkRegion(op.FeatureMap, "conv2d feature map", g.C1*g.H*g.W*g.C0, hardware.Staging); err != nil {
		return err
	}
	if err := v.checkRegion(op.Weight, "conv2d weight", g.C1*g.KH*g.KW*g.Cout*g.C0, hardware.Staging); err != nil {
		return err
	}
	if err := v.checkRegion(op.Dst, "conv2d destination", g.Cout*g.RoundHoWo, hardware.Accumulator); err != nil {
		return err
	}
	inDType := op.FeatureMap.Tensor.Shape.DType
	accDType, err := tiling.AccumulatorDType(inDType)
	if err != nil || op.Weight.Tensor.Shape.DType != inDType || op.Dst.Tensor.Shape.DType != accDType {
		return v.errorf(op.Dst.Tensor.Name, "conv2d dtypes mismatch")
	}
	return nil
}

func (v *validator) elementwise(op *Elementwise) error {
	rank := len(op.OutDims)
	if rank == 0 || len(op.XDims) != rank || len(op.YDims) != rank {
		return v.errorf(op.OutDims, "elementwise operands must have the output rank")
	}
	for axis, dim := range op.OutDims {
		for _, operand := range [][]int{op.XDims, op.YDims} {
			if operand[axis] != dim && operand[axis] != 1 {
				return v.errorf(operand, "elementwise operand %v doesn't broadcast to %v", operand, op.OutDims)
			}
		}
	}
	size := func(dims []int) int {
		n := 1
		for _, d := range dims {
			n *= d
		}
		return n
	}
	if err := v.checkRegion(op.X, "elementwise x", size(op.XDims)); err != nil {
		return err
	}
	if err := v.checkRegion(op.Y, "elementwise y", size(op.YDims)); err != nil {
		return err
	}
	if err := v.checkRegion(op.Dst, "elementwise destination", size(op.OutDims)); err != nil {
		return err
	}
	if op.X.Tensor.Shape.DType != op.Dst.Tensor.Shape.DType || op.Y.Tensor.Shape.DType != op.Dst.Tensor.Shape.DType {
		return v.errorf(op.Dst.Tensor.Name, "elementwise dtypes mismatch")
	}
	return nil
}
