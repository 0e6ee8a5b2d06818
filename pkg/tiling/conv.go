// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"k8s.io/klog/v2"
)

// ConvParams are the parameters of a 2D convolution in the blocked layouts:
//
//	feature map: [N, C1, H, W, C0]
//	weights:     [C1, KH, KW, Cout, C0]
//	output:      [N, Cout/16, Ho, Wo, 16]
//
// C0 is the block unit of the input dtype and C1*C0 the number of input channels.
type ConvParams struct {
	DType dtypes.DType

	N, C1, H, W int
	Cout        int
	KH, KW      int

	StrideH, StrideW     int
	DilationH, DilationW int

	PadTop, PadBottom, PadLeft, PadRight int

	// CoutSplit is the number of output channels per channel tile.
	CoutSplit int

	// BatchDepth is the buffering depth of the batch loop.
	BatchDepth int
}

// ConvPlan is the tiling of a 2D convolution.
//
// Per core, the staging buffer holds the weights of one channel tile [C1, KH, KW, CoutSplit, C0] and
// BatchDepth instances of a whole sample feature map [C1, H, W, C0]; the accumulator holds BatchDepth
// instances of [CoutSplit/16, RoundHoWo, 16].
type ConvPlan struct {
	Params ConvParams

	AccDType dtypes.DType

	// C0 is the block unit of the input dtype.
	C0 int

	Ho, Wo int

	// HoWo is Ho*Wo, and RoundHoWo is HoWo rounded up to the cube unit, used only to size the accumulator.
	HoWo, RoundHoWo int

	// Cout is the tiling of the output channels in channel tiles.
	Cout TileSpec

	Footprints []Footprint
}

// PlanConv2D validates the tiling of a 2D convolution and its on-chip footprint.
//
// Errors: errs.UnsupportedDataType, errs.InvalidTiling and errs.BufferOverflow.
func PlanConv2D(profile *hardware.Profile, params ConvParams) (plan *ConvPlan, err error) {
	if err = shapes.Supported(params.DType, dtypes.Float16, dtypes.Int8); err != nil {
		return
	}
	plan = &ConvPlan{Params: params}
	if plan.AccDType, err = AccumulatorDType(params.DType); err != nil {
		return nil, err
	}
	if plan.C0, err = BlockUnit(params.DType); err != nil {
		return nil, err
	}
	if params.N < 1 || params.C1 < 1 {
		return nil, errs.Errorf(errs.InvalidTiling, []int{params.N, params.C1},
			"batch (%d) and input channel blocks (%d) must be >= 1", params.N, params.C1)
	}
	if params.BatchDepth < 1 {
		return nil, errs.Errorf(errs.InvalidTiling, params.BatchDepth,
			"batch buffering depth must be >= 1, got %d", params.BatchDepth)
	}
	fmDims := []int{params.N, params.C1, params.H, params.W, plan.C0}
	if err = shapes.CheckSize(fmDims, profile.MaxElements); err != nil {
		return nil, err
	}
	if plan.Ho, err = ConvOutputDim(params.H, params.KH, params.StrideH, params.DilationH,
		params.PadTop, params.PadBottom); err != nil {
		return nil, errs.Wrapf(err, errs.InvalidTiling, errs.ValueOf(err), "output height")
	}
	if plan.Wo, err = ConvOutputDim(params.W, params.KW, params.StrideW, params.DilationW,
		params.PadLeft, params.PadRight); err != nil {
		return nil, errs.Wrapf(err, errs.InvalidTiling, errs.ValueOf(err), "output width")
	}
	plan.HoWo = plan.Ho * plan.Wo
	plan.RoundHoWo = RoundUp(plan.HoWo, CubeUnit)
	if plan.RoundHoWo != plan.HoWo {
		klog.V(1).Infof("conv2d: Ho*Wo=%d rounded up to %d in the accumulator, remainder rows are not written back",
			plan.HoWo, plan.RoundHoWo)
	}
	if params.Cout%CubeUnit != 0 {
		return nil, errs.Errorf(errs.InvalidTiling, params.Cout,
			"output channels %d must be a multiple of %d", params.Cout, CubeUnit)
	}
	if err = shapes.CheckSize([]int{params.N, params.Cout, plan.Ho, plan.Wo}, profile.MaxElements); err != nil {
		return nil, err
	}
	if plan.Cout, err = ExactTile("Cout", params.Cout, params.CoutSplit, CubeUnit); err != nil {
		return nil, err
	}

	plan.Footprints = []Footprint{
		newFootprint(profile, hardware.Staging, "weight_tile", params.DType, 1,
			params.C1, params.KH, params.KW, params.CoutSplit, plan.C0),
		newFootprint(profile, hardware.Staging, "feature_map", params.DType, params.BatchDepth,
			params.C1, params.H, params.W, plan.C0),
		newFootprint(profile, hardware.Accumulator, "conv_out", plan.AccDType, params.BatchDepth,
			params.CoutSplit/CubeUnit, plan.RoundHoWo, CubeUnit),
	}
	if err = CheckCapacity(profile, plan.Footprints); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("conv2d plan %s: Ho=%d, Wo=%d, %s; staging %d bytes, accumulator %d bytes",
			shapes.Name(params.DType), plan.Ho, plan.Wo, plan.Cout,
			TierBytes(plan.Footprints, hardware.Staging), TierBytes(plan.Footprints, hardware.Accumulator))
	}
	return plan, nil
}
