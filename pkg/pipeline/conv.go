// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/gomlx/tilegen/pkg/tiling"
	"k8s.io/klog/v2"
)

// ConvOperands are the global tensors of a 2D convolution, in the blocked layouts documented in tiling.ConvParams.
type ConvOperands struct {
	FeatureMap, Weight, Output *kernel.Tensor
}

// ConvStages returns the loop levels of the convolution nest. The batch level is the pipelined one.
func ConvStages(plan *tiling.ConvPlan) Stages {
	return Stages{
		{Name: CoreLevel, Level: 0, Depth: 1},
		{Name: ChannelLevel, Level: 1, Depth: 1, Pipelinable: true},
		{Name: BatchLevel, Level: 2, Depth: plan.Params.BatchDepth, Pipelinable: true},
	}
}

// ScheduleConv2D emits the loop nest of a 2D convolution into b:
//
//	for core (channel tiles split across cores):
//	  for cout in the core's channel tiles:     alloc weight tile in staging, move it
//	    for batch (depth BatchDepth):           alloc feature map (staging) and output tile (accumulator)
//	      move the sample feature map
//	      conv2d
//	      write back the Ho*Wo valid rows of the output tile, quantizing to the output dtype
//
// It panics with an *errs.Error on failure, see ScheduleMatmul.
func ScheduleConv2D(b *kernel.Builder, plan *tiling.ConvPlan, operands ConvOperands) {
	profile := b.Profile()
	if err := ConvStages(plan).Validate(); err != nil {
		panic(err)
	}
	parts := splitCores(plan.Cout, profile.Cores)
	quantize, err := WriteBackQuantize(plan.AccDType, operands.Output.Shape.DType)
	if err != nil {
		panic(err)
	}

	params := plan.Params
	c0, split := plan.C0, params.CoutSplit
	tilesPerCore := parts[0].Len()
	fmSize := params.C1 * params.H * params.W * c0
	klog.V(1).Infof("conv2d %q: %d cores x %d channel tiles of %d, batch of %d",
		b.Name(), len(parts), tilesPerCore, split, params.N)

	b.CoreLoop(CoreLevel, func(core *kernel.Var) {
		b.Loop(ChannelLevel, tilesPerCore, 1, func(coVar *kernel.Var) {
			// First output channel of the tile.
			channel := core.Scale(tilesPerCore).Add(coVar.Expr()).Scale(split)
			weight := b.Alloc("weight_tile", hardware.Staging,
				shapes.Make(params.DType, params.C1, params.KH, params.KW, split, c0))
			EmitTransfer(b, TransferRequest{
				Name:      "weight",
				Src:       operands.Weight.At(channel.Scale(c0)),
				Dst:       weight.Region(),
				Count:     params.C1 * params.KH * params.KW,
				Burst:     blocks(profile, weight, split*c0),
				SrcStride: blocks(profile, weight, (params.Cout-split)*c0),
			})

			b.Loop(BatchLevel, params.N, params.BatchDepth, func(batch *kernel.Var) {
				fm := b.Alloc("feature_map", hardware.Staging, shapes.Make(params.DType, params.C1, params.H, params.W, c0))
				out := b.Alloc("conv_out", hardware.Accumulator,
					shapes.Make(plan.AccDType, split/tiling.CubeUnit, plan.RoundHoWo, tiling.CubeUnit))
				EmitTransfer(b, TransferRequest{
					Name:  "feature_map",
					Src:   operands.FeatureMap.At(batch.Scale(fmSize)),
					Dst:   fm.Region(),
					Count: 1,
					Burst: blocks(profile, fm, fmSize),
				})
				b.Conv2D(kernel.Conv2D{
					Dst:        out.Region(),
					FeatureMap: fm.Region(),
					Weight:     weight.Region(),
					Geometry: kernel.ConvGeometry{
						C1: params.C1, H: params.H, W: params.W, C0: c0,
						KH: params.KH, KW: params.KW, Cout: split,
						StrideH: params.StrideH, StrideW: params.StrideW,
						DilationH: params.DilationH, DilationW: params.DilationW,
						PadTop: params.PadTop, PadLeft: params.PadLeft,
						Ho: plan.Ho, Wo: plan.Wo, RoundHoWo: plan.RoundHoWo,
					},
				})
				// Output[batch, channel/16 : , :, :, :]: the rows >= Ho*Wo of each 16-channel block are skipped.
				EmitTransfer(b, TransferRequest{
					Name:      "conv_out",
					Src:       out.Region(),
					Dst:       operands.Output.At(batch.Scale(params.Cout * plan.HoWo).Add(channel.Scale(plan.HoWo))),
					Count:     split / tiling.CubeUnit,
					Burst:     blocks(profile, out, plan.HoWo*tiling.CubeUnit),
					SrcStride: blocks(profile, out, (plan.RoundHoWo-plan.HoWo)*tiling.CubeUnit),
					Quantize:  quantize,
				})
			})
		})
	})
}
