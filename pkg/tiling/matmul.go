// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"k8s.io/klog/v2"
)

// MatmulParams are the parameters of C[M, N] = A[M, K] x B[K, N].
type MatmulParams struct {
	// DType of the inputs A and B: float16 or int8.
	DType dtypes.DType

	M, K, N int

	// Tile extents, in elements.
	MTile, KTile, NTile int

	// Buffering depths of the M-tile loop (accumulator) and of the K-tile loop (staged A and B tiles).
	MDepth, KDepth int
}

// MatmulPlan is the tiling of a matmul.
//
// Global layouts (blocked, K0 is the block unit of the input dtype):
//
//	A: [K/K0, M, K0]    B: [K/K0, N, K0]    C: [N/16, M, 16]
//
// Per core, the staging buffer holds KDepth instances of the A tile [KTile/K0, MTile, K0] and of the
// B tile [KTile/K0, NTile, K0], and the accumulator holds MDepth instances of the C tile [NTile/16, MTile, 16].
type MatmulPlan struct {
	Params MatmulParams

	// AccDType is the accumulator dtype: float32 for float16 inputs, int32 for int8.
	AccDType dtypes.DType

	// K0 is the block unit of the input dtype, the innermost dimension of A and B.
	K0 int

	M, K, N TileSpec

	Footprints []Footprint
}

// PlanMatmul validates the tiling of a matmul and its on-chip footprint.
//
// Errors: errs.UnsupportedDataType, errs.InvalidTiling (tiles not multiple of the block unit, or not dividing
// their dimension, or depths < 1) and errs.BufferOverflow.
func PlanMatmul(profile *hardware.Profile, params MatmulParams) (plan *MatmulPlan, err error) {
	if err = shapes.Supported(params.DType, dtypes.Float16, dtypes.Int8); err != nil {
		return
	}
	plan = &MatmulPlan{Params: params}
	if plan.AccDType, err = AccumulatorDType(params.DType); err != nil {
		return nil, err
	}
	if plan.K0, err = BlockUnit(params.DType); err != nil {
		return nil, err
	}
	if params.MDepth < 1 || params.KDepth < 1 {
		return nil, errs.Errorf(errs.InvalidTiling, []int{params.MDepth, params.KDepth},
			"buffering depths must be >= 1, got m_depth=%d, k_depth=%d", params.MDepth, params.KDepth)
	}
	if err = shapes.CheckSize([]int{params.M, params.K}, profile.MaxElements); err != nil {
		return nil, err
	}
	if err = shapes.CheckSize([]int{params.K, params.N}, profile.MaxElements); err != nil {
		return nil, err
	}
	if err = shapes.CheckSize([]int{params.M, params.N}, profile.MaxElements); err != nil {
		return nil, err
	}
	if plan.M, err = ExactTile("M", params.M, params.MTile, CubeUnit); err != nil {
		return nil, err
	}
	if plan.K, err = ExactTile("K", params.K, params.KTile, plan.K0); err != nil {
		return nil, err
	}
	if plan.N, err = ExactTile("N", params.N, params.NTile, CubeUnit); err != nil {
		return nil, err
	}

	k1 := params.KTile / plan.K0
	plan.Footprints = []Footprint{
		newFootprint(profile, hardware.Staging, "a_tile", params.DType, params.KDepth, k1, params.MTile, plan.K0),
		newFootprint(profile, hardware.Staging, "b_tile", params.DType, params.KDepth, k1, params.NTile, plan.K0),
		newFootprint(profile, hardware.Accumulator, "c_tile", plan.AccDType, params.MDepth,
			params.NTile/CubeUnit, params.MTile, CubeUnit),
	}
	if err = CheckCapacity(profile, plan.Footprints); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("matmul plan %s: %s, %s, %s; staging %d bytes, accumulator %d bytes",
			shapes.Name(params.DType), plan.M, plan.K, plan.N,
			TierBytes(plan.Footprints, hardware.Staging), TierBytes(plan.Footprints, hardware.Accumulator))
	}
	return plan, nil
}
