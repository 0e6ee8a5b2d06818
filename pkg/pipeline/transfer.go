// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"k8s.io/klog/v2"
)

// TransferRequest is a strided transfer as the tiling wants it, before the hardware limits are applied.
// Lengths and gaps are in blocks of the source dtype, as in kernel.MovementOp.
type TransferRequest struct {
	// Name is used to name the row loop, if one is needed.
	Name string

	Src, Dst             kernel.Region
	Count, Burst         int
	SrcStride, DstStride int
	Quantize             kernel.QuantizeSpec
}

// TransferPlan is the legal rendition of a TransferRequest: either a single MovementOp, or, when a gap is
// larger than the hardware stride limit, one single-burst MovementOp per row, issued by a loop.
type TransferPlan struct {
	Name string

	// Op is the whole transfer if Rows == 1, or the transfer of the first row otherwise.
	Op kernel.MovementOp

	// Rows is the number of per-row transfers, 1 if the transfer was not decomposed.
	Rows int

	// SrcRowStep and DstRowStep are the offsets, in elements, between consecutive rows.
	SrcRowStep, DstRowStep int
}

// Decomposed returns whether the transfer was split in per-row transfers.
func (tp TransferPlan) Decomposed() bool { return tp.Rows > 1 }

// String implements fmt.Stringer.
func (tp TransferPlan) String() string {
	if !tp.Decomposed() {
		return tp.Op.String()
	}
	return fmt.Sprintf("%d rows of [%s], row steps src=%d, dst=%d", tp.Rows, tp.Op, tp.SrcRowStep, tp.DstRowStep)
}

// Ops returns the explicit list of transfers of the plan.
func (tp TransferPlan) Ops() []kernel.MovementOp {
	ops := make([]kernel.MovementOp, tp.Rows)
	for row := range tp.Rows {
		op := tp.Op
		op.Src.Offset = op.Src.Offset.Plus(row * tp.SrcRowStep)
		op.Dst.Offset = op.Dst.Offset.Plus(row * tp.DstRowStep)
		ops[row] = op
	}
	return ops
}

// Emit the transfers into the builder: writes-backs (transfers from the accumulator) go through
// Builder.WriteBack, the others through Builder.Move.
func (tp TransferPlan) Emit(b *kernel.Builder) {
	emit := b.Move
	if tp.Op.Src.Tensor.Tier == hardware.Accumulator {
		emit = b.WriteBack
	}
	if !tp.Decomposed() {
		emit(tp.Op)
		return
	}
	b.Loop(tp.Name+"_row", tp.Rows, 1, func(row *kernel.Var) {
		op := tp.Op
		op.Src.Offset = op.Src.Offset.Add(row.Scale(tp.SrcRowStep))
		op.Dst.Offset = op.Dst.Offset.Add(row.Scale(tp.DstRowStep))
		emit(op)
	})
}

// BlockElements returns the number of elements of dtype in one transfer block of the profile.
func BlockElements(profile *hardware.Profile, tensor *kernel.Tensor) (int, error) {
	size := int(tensor.Shape.DType.Memory())
	if size == 0 || profile.BlockBytes%size != 0 {
		return 0, errs.Errorf(errs.UnsupportedDataType, shapes.Name(tensor.Shape.DType),
			"dtype %s doesn't fit the %d bytes transfer block", shapes.Name(tensor.Shape.DType), profile.BlockBytes)
	}
	return profile.BlockBytes / size, nil
}

// PlanTransfer applies the hardware limits to a transfer request.
//
// A transfer whose gaps fit in Profile.MaxStride is kept as is. Otherwise it is decomposed in Count transfers
// of a single burst, which move the same elements to the same places. Bursts larger than Profile.MaxBurst
// or more bursts than Profile.MaxBurstCount can't be fixed this way and return errs.StrideLimitExceeded.
func PlanTransfer(profile *hardware.Profile, req TransferRequest) (plan TransferPlan, err error) {
	if req.Count < 1 || req.Burst < 1 || req.SrcStride < 0 || req.DstStride < 0 {
		err = errs.Errorf(errs.LoweringError, []int{req.Count, req.Burst, req.SrcStride, req.DstStride},
			"transfer %q: invalid count=%d, burst=%d, src_stride=%d, dst_stride=%d",
			req.Name, req.Count, req.Burst, req.SrcStride, req.DstStride)
		return
	}
	if req.Burst > profile.MaxBurst {
		err = errs.Errorf(errs.StrideLimitExceeded, req.Burst, "transfer %q: burst of %d blocks exceeds the limit %d",
			req.Name, req.Burst, profile.MaxBurst)
		return
	}
	if req.Count > profile.MaxBurstCount {
		err = errs.Errorf(errs.StrideLimitExceeded, req.Count, "transfer %q: %d bursts exceed the limit %d",
			req.Name, req.Count, profile.MaxBurstCount)
		return
	}
	op := kernel.MovementOp{
		Src: req.Src, Dst: req.Dst,
		Count: req.Count, Burst: req.Burst,
		SrcStride: req.SrcStride, DstStride: req.DstStride,
		Quantize: req.Quantize,
	}
	if req.Count == 1 {
		// Gaps are irrelevant with a single burst.
		op.SrcStride, op.DstStride = 0, 0
	}
	plan = TransferPlan{Name: req.Name, Op: op, Rows: 1}
	if op.SrcStride <= profile.MaxStride && op.DstStride <= profile.MaxStride {
		return
	}

	var blockElems int
	if blockElems, err = BlockElements(profile, req.Src.Tensor); err != nil {
		return
	}
	plan.Rows = req.Count
	plan.SrcRowStep = (req.Burst + req.SrcStride) * blockElems
	plan.DstRowStep = (req.Burst + req.DstStride) * blockElems
	plan.Op.Count, plan.Op.SrcStride, plan.Op.DstStride = 1, 0, 0
	klog.V(2).Infof("transfer %q: gaps src=%d, dst=%d exceed the stride limit %d, decomposed in %d rows",
		req.Name, req.SrcStride, req.DstStride, profile.MaxStride, plan.Rows)
	return
}

// EmitTransfer plans the transfer and emits it into the builder, panicking with the planning error if any.
func EmitTransfer(b *kernel.Builder, req TransferRequest) TransferPlan {
	plan, err := PlanTransfer(b.Profile(), req)
	if err != nil {
		panic(err)
	}
	plan.Emit(b)
	return plan
}
