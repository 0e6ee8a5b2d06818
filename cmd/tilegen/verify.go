// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/ops"
	"github.com/gomlx/tilegen/pkg/sim"
	"github.com/gomlx/tilegen/pkg/tiling"
	"github.com/janpfeifer/must"
)

// Check is the result of simulating one kernel against its reference.
type Check struct {
	Name string

	// Stats of all cores.
	Stats sim.CoreStats

	// Elements compared, Mismatches among them and the largest absolute difference.
	Elements, Mismatches int
	MaxDiff              float64

	// Unwritten output elements.
	Unwritten int

	Err error
}

// testCase holds the random inputs of a kernel and its expected output, in the reference layout.
type testCase struct {
	inputs map[string][]float64
	output string
	want   []float64

	// unblock converts the output of the kernel to the reference layout.
	unblock func(out []float64) []float64
}

// randomValues returns n small integers in [-3, 3], representable by every supported dtype, so the
// reference results are exact.
func randomValues(rng *rand.Rand, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(rng.IntN(7) - 3)
	}
	return values
}

func newTestCase(cfg ops.Config, rng *rand.Rand) (tc testCase, outDType dtypes.DType, err error) {
	identity := func(out []float64) []float64 { return out }
	switch c := cfg.(type) {
	case *ops.AddConfig:
		x, y := randomValues(rng, c.X.Size()), randomValues(rng, c.Y.Size())
		tc = testCase{
			inputs:  map[string][]float64{ops.AddX: x, ops.AddY: y},
			output:  ops.AddOut,
			want:    sim.Add(x, y, c.XDims, c.YDims, c.OutDims),
			unblock: identity,
		}
		outDType = c.Out.DType

	case *ops.MatmulConfig:
		p := c.Params
		k0 := must.M1(tiling.BlockUnit(p.DType))
		a, b := randomValues(rng, p.M*p.K), randomValues(rng, p.K*p.N)
		tc = testCase{
			inputs: map[string][]float64{
				ops.MatmulA: sim.BlockMatrixA(a, p.M, p.K, k0),
				ops.MatmulB: sim.BlockMatrixB(b, p.K, p.N, k0),
			},
			output:  ops.MatmulOutput,
			want:    sim.Matmul(a, b, p.M, p.K, p.N),
			unblock: func(out []float64) []float64 { return sim.UnblockMatrixC(out, p.M, p.N) },
		}
		outDType = c.OutDType

	case *ops.Conv2DConfig:
		p := c.Params
		c0 := must.M1(tiling.BlockUnit(p.DType))
		channels := p.C1 * c0
		var ho, wo int
		if ho, err = tiling.ConvOutputDim(p.H, p.KH, p.StrideH, p.DilationH, p.PadTop, p.PadBottom); err != nil {
			return
		}
		if wo, err = tiling.ConvOutputDim(p.W, p.KW, p.StrideW, p.DilationW, p.PadLeft, p.PadRight); err != nil {
			return
		}
		x := randomValues(rng, p.N*channels*p.H*p.W)
		weights := randomValues(rng, p.Cout*channels*p.KH*p.KW)
		tc = testCase{
			inputs: map[string][]float64{
				ops.ConvFeatureMap: sim.BlockFeatureMap(x, p.N, channels, p.H, p.W, c0),
				ops.ConvWeight:     sim.BlockWeights(weights, p.Cout, channels, p.KH, p.KW, c0),
			},
			output: ops.ConvOut,
			want: sim.Conv2D(x, weights, sim.ConvConfig{
				N: p.N, C: channels, H: p.H, W: p.W, Cout: p.Cout, KH: p.KH, KW: p.KW,
				StrideH: p.StrideH, StrideW: p.StrideW, DilationH: p.DilationH, DilationW: p.DilationW,
				PadTop: p.PadTop, PadLeft: p.PadLeft, Ho: ho, Wo: wo,
			}),
			unblock: func(out []float64) []float64 { return sim.UnblockConvOutput(out, p.N, p.Cout, ho, wo) },
		}
		outDType = c.OutDType

	default:
		err = errs.Errorf(errs.LoweringError, cfg, "no reference for %T", cfg)
	}
	return
}

// Simulate runs the kernel on the simulator, with random inputs generated from seed, and compares its
// output with the reference rounded to the output dtype.
//
// onCoreDone, if not nil, is called as each core finishes.
func Simulate(k *Kernel, seed uint64, parallelism int, onCoreDone func(core int)) (check Check) {
	check.Name = k.Program.Name
	rng := rand.New(rand.NewPCG(seed, uint64(len(k.Program.Name))))
	tc, outDType, err := newTestCase(k.Config, rng)
	if err != nil {
		check.Err = err
		return
	}
	result, err := sim.Run(k.Program, tc.inputs, sim.Options{Parallelism: parallelism, OnCoreDone: onCoreDone})
	if err != nil {
		check.Err = err
		return
	}
	check.Stats = result.Total
	check.Unwritten = result.Unwritten[tc.output]
	got := tc.unblock(result.Outputs[tc.output])
	check.Elements = len(tc.want)
	for ii, want := range tc.want {
		diff := math.Abs(got[ii] - sim.Round(outDType, want))
		if diff > 0 {
			check.Mismatches++
			check.MaxDiff = max(check.MaxDiff, diff)
		}
	}
	return
}
