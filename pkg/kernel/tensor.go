// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"

	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
)

// Tensor is a tensor declared in a Program: a global input/output, or an on-chip buffer.
//
// A Tensor is immutable once declared.
type Tensor struct {
	Name  string
	Shape shapes.Shape
	Tier  hardware.Tier

	// Instances is the number of buffer instances of a pipelined on-chip buffer: iteration i of the
	// loop allocating it uses instance i % Instances. It is 1 for global tensors.
	Instances int

	// Address is the byte offset of the first instance in the per-core arena of its tier,
	// and InstanceBytes the aligned size of each instance. Global tensors have Address -1.
	Address, InstanceBytes int

	// owner is the loop whose body allocates the tensor, nil for global tensors or top-level allocations.
	owner *Loop

	// builder that declared the tensor.
	builder *Builder
}

// String implements fmt.Stringer.
func (t *Tensor) String() string { return t.Name }

// Describe returns a one-line description of the tensor declaration.
func (t *Tensor) Describe() string {
	if t.Tier == hardware.Global {
		return fmt.Sprintf("%s %s %s", t.Tier, t.Name, t.Shape)
	}
	return fmt.Sprintf("%s %s %s x%d @0x%x", t.Tier, t.Name, t.Shape, t.Instances, t.Address)
}

// Size returns the number of elements of one instance.
func (t *Tensor) Size() int { return t.Shape.Size() }

// Owner returns the loop that allocates the tensor, or nil.
func (t *Tensor) Owner() *Loop { return t.owner }

// At returns the region of the tensor starting at the given element offset.
func (t *Tensor) At(offset Expr) Region { return Region{Tensor: t, Offset: offset} }

// Region returns the region starting at the first element of the tensor.
func (t *Tensor) Region() Region { return Region{Tensor: t} }

// Region is a sub-region of a tensor, starting at an element offset that may depend on loop variables.
type Region struct {
	Tensor *Tensor
	Offset Expr
}

// String implements fmt.Stringer.
func (r Region) String() string {
	if r.Tensor == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%s]", r.Tensor.Name, r.Offset)
}

// QuantizeMode is the conversion applied by a write-back.
type QuantizeMode int

const (
	// QuantizeNone copies the accumulator values unchanged.
	QuantizeNone QuantizeMode = iota

	// FP32ToFP16 narrows float32 accumulators to float16.
	FP32ToFP16

	// Int32ToFP16 converts int32 accumulators to float16, after multiplying by the scale.
	Int32ToFP16
)

var quantizeModeNames = [...]string{"none", "fp32->fp16", "int32->fp16"}

// String implements fmt.Stringer.
func (m QuantizeMode) String() string {
	if m < 0 || int(m) >= len(quantizeModeNames) {
		return fmt.Sprintf("QuantizeMode(%d)", int(m))
	}
	return quantizeModeNames[m]
}

// QuantizeSpec is the transform applied to the data during a write-back.
type QuantizeSpec struct {
	Mode QuantizeMode

	// Scale multiplies the values before narrowing. 0 means 1.0.
	Scale float64
}

// EffectiveScale returns the scale, with 0 meaning 1.0.
func (q QuantizeSpec) EffectiveScale() float64 {
	if q.Scale == 0 {
		return 1.0
	}
	return q.Scale
}

// String implements fmt.Stringer.
func (q QuantizeSpec) String() string {
	if q.Mode == QuantizeNone {
		return q.Mode.String()
	}
	return fmt.Sprintf("%s(scale=%g)", q.Mode, q.EffectiveScale())
}

// MovementOp is a transfer of Count bursts of Burst blocks each, from Src to Dst.
//
// Lengths and strides are measured in transfer blocks (Profile.BlockBytes bytes) of the source element type.
// SrcStride and DstStride are the gaps, in blocks, between the end of one burst and the start of the next.
//
// A MovementOp never skips a tier: the legal directions are global->staging, staging->global and
// accumulator->global (the write-back, the only one that may carry a Quantize transform).
type MovementOp struct {
	Src, Dst             Region
	Count, Burst         int
	SrcStride, DstStride int
	Quantize             QuantizeSpec
}

// String implements fmt.Stringer.
func (op MovementOp) String() string {
	s := fmt.Sprintf("%s <- %s: count=%d, burst=%d, src_stride=%d, dst_stride=%d",
		op.Dst, op.Src, op.Count, op.Burst, op.SrcStride, op.DstStride)
	if op.Quantize.Mode != QuantizeNone {
		s += ", quantize=" + op.Quantize.String()
	}
	return s
}

// Blocks returns the number of blocks moved.
func (op MovementOp) Blocks() int { return op.Count * op.Burst }

// SrcSpan and DstSpan return the number of blocks between the first and the last block touched, inclusive.
func (op MovementOp) SrcSpan() int { return span(op.Count, op.Burst, op.SrcStride) }

// DstSpan see SrcSpan.
func (op MovementOp) DstSpan() int { return span(op.Count, op.Burst, op.DstStride) }

func span(count, burst, stride int) int {
	if count <= 0 {
		return 0
	}
	return (count-1)*(burst+stride) + burst
}

// legalDirection returns whether a transfer from src to dst is allowed, and whether it is a write-back.
func legalDirection(src, dst hardware.Tier) (legal, writeBack bool) {
	switch {
	case src == hardware.Global && dst == hardware.Staging:
		return true, false
	case src == hardware.Staging && dst == hardware.Global:
		return true, false
	case src == hardware.Accumulator && dst == hardware.Global:
		return true, true
	}
	return false, false
}
