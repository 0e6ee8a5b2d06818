// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/gomlx/tilegen/pkg/partition"
	"github.com/gomlx/tilegen/pkg/tiling"
	"k8s.io/klog/v2"
)

// Names of the loop levels.
const (
	CoreLevel    = "core"
	NLevel       = "n"
	MLevel       = "m"
	KLevel       = "k"
	ChannelLevel = "cout"
	BatchLevel   = "batch"
)

// WriteBackQuantize returns the transform applied when writing the accumulator (accDType) back to
// an output of outDType.
func WriteBackQuantize(accDType, outDType dtypes.DType) (kernel.QuantizeSpec, error) {
	switch {
	case accDType == outDType:
		return kernel.QuantizeSpec{Mode: kernel.QuantizeNone}, nil
	case accDType == dtypes.Float32 && outDType == dtypes.Float16:
		return kernel.QuantizeSpec{Mode: kernel.FP32ToFP16}, nil
	case accDType == dtypes.Int32 && outDType == dtypes.Float16:
		return kernel.QuantizeSpec{Mode: kernel.Int32ToFP16, Scale: 1}, nil
	}
	return kernel.QuantizeSpec{}, errs.Errorf(errs.UnsupportedDataType, shapes.Name(outDType),
		"can't write back a %s accumulator to %s", shapes.Name(accDType), shapes.Name(outDType))
}

// blocks converts a number of elements of the tensor dtype to transfer blocks, panicking if they are
// not a whole number of blocks.
func blocks(profile *hardware.Profile, t *kernel.Tensor, elements int) int {
	blockElems, err := BlockElements(profile, t)
	if err != nil {
		panic(err)
	}
	if elements%blockElems != 0 {
		panic(errs.Errorf(errs.LoweringError, elements, "%d elements of %s are not a whole number of %d-bytes blocks",
			elements, t.Name, profile.BlockBytes))
	}
	return elements / blockElems
}

// splitCores splits the iterations of spec across the cores, panicking if the ranges don't cover them exactly.
func splitCores(spec tiling.TileSpec, cores int) []partition.CorePartition {
	parts, err := partition.SplitSpec(spec, cores)
	if err != nil {
		panic(err)
	}
	if !partition.Covers(parts, spec.Iterations) {
		panic(errs.Errorf(errs.LoweringError, parts, "core ranges %v don't cover the %d iterations of %s",
			parts, spec.Iterations, spec.Name))
	}
	return parts
}

// MatmulOperands are the global tensors of a matmul, in the blocked layouts documented in tiling.MatmulPlan.
type MatmulOperands struct {
	A, B, C *kernel.Tensor
}

// MatmulStages returns the loop levels of the matmul nest. Only the M and K levels allocate buffers.
func MatmulStages(plan *tiling.MatmulPlan, nDepth int) Stages {
	return Stages{
		{Name: CoreLevel, Level: 0, Depth: 1},
		{Name: NLevel, Level: 1, Depth: nDepth},
		{Name: MLevel, Level: 2, Depth: plan.Params.MDepth, Pipelinable: true},
		{Name: KLevel, Level: 3, Depth: plan.Params.KDepth, Pipelinable: true},
	}
}

// ScheduleMatmul emits the loop nest of a matmul into b:
//
//	for core (N-tiles split across cores):
//	  for n in the core's N-tiles:
//	    for m in M-tiles (depth MDepth):      alloc C tile in the accumulator
//	      for k in K-tiles (depth KDepth):    alloc A and B tiles in staging
//	        move A tile, move B tile
//	        matmul, initializing the C tile on the first K-tile and accumulating afterwards
//	      write back the C tile, quantizing to the output dtype
//
// It panics with an *errs.Error on failure: errs.InvalidTiling for invalid depths, errs.UnevenPartition if
// the N-tiles can't be split across the cores, errs.StrideLimitExceeded for transfers beyond the DMA limits.
func ScheduleMatmul(b *kernel.Builder, plan *tiling.MatmulPlan, nDepth int, operands MatmulOperands) {
	profile := b.Profile()
	if err := MatmulStages(plan, nDepth).Validate(); err != nil {
		panic(err)
	}
	parts := splitCores(plan.N, profile.Cores)
	quantize, err := WriteBackQuantize(plan.AccDType, operands.C.Shape.DType)
	if err != nil {
		panic(err)
	}

	params := plan.Params
	m, n, k0 := params.M, params.N, plan.K0
	mTile, kTile, nTile := params.MTile, params.KTile, params.NTile
	nTilesPerCore := parts[0].Len()
	klog.V(1).Infof("matmul %q: %d cores x %d N-tiles, %d M-tiles, %d K-tiles",
		b.Name(), len(parts), nTilesPerCore, plan.M.Iterations, plan.K.Iterations)

	b.CoreLoop(CoreLevel, func(core *kernel.Var) {
		b.Loop(NLevel, nTilesPerCore, nDepth, func(nVar *kernel.Var) {
			// Global N-tile index.
			nIdx := core.Scale(nTilesPerCore).Add(nVar.Expr())
			b.Loop(MLevel, plan.M.Iterations, params.MDepth, func(mVar *kernel.Var) {
				cTile := b.Alloc("c_tile", hardware.Accumulator,
					shapes.Make(plan.AccDType, nTile/tiling.CubeUnit, mTile, tiling.CubeUnit))
				b.Loop(KLevel, plan.K.Iterations, params.KDepth, func(kVar *kernel.Var) {
					aTile := b.Alloc("a_tile", hardware.Staging, shapes.Make(params.DType, kTile/k0, mTile, k0))
					bTile := b.Alloc("b_tile", hardware.Staging, shapes.Make(params.DType, kTile/k0, nTile, k0))

					// A[k*KTile/K0 : , m*MTile : m*MTile+MTile, :]
					EmitTransfer(b, TransferRequest{
						Name:      "a",
						Src:       operands.A.At(kVar.Scale(kTile * m).Add(mVar.Scale(mTile * k0))),
						Dst:       aTile.Region(),
						Count:     kTile / k0,
						Burst:     blocks(profile, aTile, mTile*k0),
						SrcStride: blocks(profile, aTile, (m-mTile)*k0),
					})
					// B[k*KTile/K0 : , n*NTile : n*NTile+NTile, :]
					EmitTransfer(b, TransferRequest{
						Name:      "b",
						Src:       operands.B.At(kVar.Scale(kTile * n).Add(nIdx.Scale(nTile * k0))),
						Dst:       bTile.Region(),
						Count:     kTile / k0,
						Burst:     blocks(profile, bTile, nTile*k0),
						SrcStride: blocks(profile, bTile, (n-nTile)*k0),
					})

					compute := kernel.Matmul{
						Dst: cTile.Region(), A: aTile.Region(), B: bTile.Region(),
						M: mTile, K: kTile, N: nTile, K0: k0,
					}
					b.If(kernel.First(kVar), func() {
						compute.Init = true
						b.Matmul(compute)
					}, func() {
						compute.Init = false
						b.Matmul(compute)
					})
				})

				// C[n*NTile/16 : , m*MTile : m*MTile+MTile, :]
				EmitTransfer(b, TransferRequest{
					Name:      "c",
					Src:       cTile.Region(),
					Dst:       operands.C.At(nIdx.Scale(nTile * m).Add(mVar.Scale(mTile * tiling.CubeUnit))),
					Count:     nTile / tiling.CubeUnit,
					Burst:     blocks(profile, cTile, mTile*tiling.CubeUnit),
					DstStride: blocks(profile, cTile, (m-mTile)*tiling.CubeUnit),
					Quantize:  quantize,
				})
			})
		})
	})
}
