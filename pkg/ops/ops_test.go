// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/gomlx/tilegen/pkg/sim"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallInts(n, mul, modulo, offset int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64((i*mul)%modulo - offset)
	}
	return values
}

func TestParseOpKind(t *testing.T) {
	assert.Equal(t, OpAdd, must.M1(ParseOpKind("add")))
	assert.Equal(t, OpConv2D, must.M1(ParseOpKind("Conv2D_tik")))
	assert.Equal(t, OpMatmul, must.M1(ParseOpKind(" matmul ")))
	_, err := ParseOpKind("sub")
	assert.True(t, errs.Is(err, errs.LoweringError), "got %v", err)
	assert.Equal(t, "conv2d", OpConv2D.String())

	assert.Equal(t, FormatNCHW, must.M1(ParseFormat("")))
	assert.Equal(t, FormatNHWC, must.M1(ParseFormat("nhwc")))
	_, err = ParseFormat("HWCN")
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, []int{1, 1, 1, 1}, must.M1(NormalizePads([]int{1})))
	assert.Equal(t, []int{1, 1, 2, 2}, must.M1(NormalizePads(nil, 1, 2)))
	assert.Equal(t, []int{0, 0, 0, 0}, must.M1(NormalizePads(nil)))
	assert.Equal(t, []int{1, 1, 2, 3}, must.M1(NormalizeStrides([]int{2, 3})))
	assert.Equal(t, []int{1, 1, 4, 4}, must.M1(NormalizeStrides(nil, 4, 4)))
	assert.Equal(t, []int{1, 1, 1, 1}, must.M1(NormalizeDilations(nil)))
	assert.Equal(t, []int{1, 1, 2, 2}, must.M1(NormalizeDilations([]int{2})))

	_, err := NormalizePads([]int{1, 2, 3})
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
	_, err = NormalizeStrides([]int{1}, 2, 2)
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)

	require.NoError(t, DefaultConvAttributes().Validate())
	err = ConvAttributes{Strides: []int{1, 1, 1}, Pads: []int{0, 0, 0, 0}, Dilations: []int{1, 1, 1, 1}}.Validate()
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
	err = ConvAttributes{Strides: []int{1, 1, 0, 1}, Pads: []int{0, 0, 0, 0}, Dilations: []int{1, 1, 1, 1}}.Validate()
	assert.True(t, errs.Is(err, errs.InvalidTiling), "got %v", err)
	err = ConvAttributes{Strides: []int{1, 1, 1, 1}, Pads: []int{0, -1, 0, 0}, Dilations: []int{1, 1, 1, 1}}.Validate()
	assert.True(t, errs.Is(err, errs.InvalidTiling), "got %v", err)
}

func TestAdd(t *testing.T) {
	t.Run("broadcast", func(t *testing.T) {
		p, err := BuildKernel(OpAdd, []TensorParams{
			{Shape: []int{4, 1}, DType: "float32"},
			{Shape: []int{1, 3}, DType: "float32"},
		}, TensorParams{}, "")
		require.NoError(t, err)
		assert.Equal(t, "add", p.Name)
		assert.Equal(t, []int{4, 3}, p.Tensor(AddOut).Shape.Dimensions)
		assert.Equal(t, dtypes.Float32, p.Tensor(AddOut).Shape.DType)

		x, y := []float64{0, 10, 20, 30}, []float64{1, 2, 3}
		result, err := sim.Run(p, map[string][]float64{AddX: x, AddY: y}, sim.Options{})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 11, 12, 13, 21, 22, 23, 31, 32, 33}, result.Outputs[AddOut])
	})

	t.Run("rank-mismatch-squeezed", func(t *testing.T) {
		profile := hardware.DefaultProfile()
		cfg, err := NewAddConfig(profile, TensorParams{Shape: []int{2, 3, 1}, DType: "int32"},
			TensorParams{Shape: []int{3, 1}, DType: "int32"}, TensorParams{Shape: []int{2, 3, 1}}, "add_int")
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, cfg.XDims)
		assert.Equal(t, []int{1, 3}, cfg.YDims)
		assert.Equal(t, []int{2, 3}, cfg.OutDims)
		assert.Equal(t, []int{2, 3, 1}, cfg.Out.Dimensions)

		p := must.M1(Build(profile, cfg))
		x, y := []float64{0, 10, 20, 30, 40, 50}, []float64{1, 2, 3}
		result, err := sim.Run(p, map[string][]float64{AddX: x, AddY: y}, sim.Options{})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 12, 23, 31, 42, 53}, result.Outputs[AddOut])
	})

	t.Run("errors", func(t *testing.T) {
		profile := hardware.DefaultProfile()
		f32 := func(dims ...int) TensorParams { return TensorParams{Shape: dims, DType: "float32"} }
		_, err := NewAddConfig(profile, TensorParams{Shape: []int{2}, DType: "int8"}, f32(2), TensorParams{}, "")
		assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)
		_, err = NewAddConfig(profile, f32(2), TensorParams{Shape: []int{2}, DType: "float16"}, TensorParams{}, "")
		assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)
		_, err = NewAddConfig(profile, f32(2, 3), f32(4, 3), TensorParams{}, "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
		assert.Equal(t, []int{2, 4}, errs.ValueOf(err))
		_, err = NewAddConfig(profile, f32(4, 1), f32(1, 3), f32(3, 4), "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
		_, err = NewAddConfig(profile, f32(4, 1), f32(1, 3), TensorParams{DType: "int32"}, "")
		assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)

		profile.MaxElements = 100
		_, err = NewAddConfig(profile, f32(10, 1), f32(1, 20), TensorParams{}, "")
		assert.True(t, errs.Is(err, errs.ShapeTooLarge), "got %v", err)
	})
}

// matmulInputs returns the descriptors of x1 [m, k] x x2 [k, n].
func matmulInputs(dtype string, m, k, n int) []TensorParams {
	return []TensorParams{
		{OriShape: []int{m, k}, DType: dtype, OriFormat: "ND"},
		{OriShape: []int{k, n}, DType: dtype, OriFormat: "ND"},
	}
}

func TestMatmul(t *testing.T) {
	for _, tc := range []struct {
		name     string
		dtype    string
		outDType string
		settings string
		want     dtypes.DType
	}{
		{"fp16", "float16", "", "", dtypes.Float32},
		{"fp16-to-fp16", "float16", "float16", "", dtypes.Float16},
		{"fp16-small-n-tile", "float16", "", "matmul/float16/n_tile=32;matmul/int8/n_tile=64", dtypes.Float32},
		{"int8", "int8", "", "matmul/k_depth=1", dtypes.Int32},
		{"int8-to-fp16", "int8", "float16", "", dtypes.Float16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const m, k, n = 32, 64, 128
			profile := hardware.DefaultProfile()
			require.NoError(t, profile.ParseSettings(tc.settings))
			inputs := matmulInputs(tc.dtype, m, k, n)
			cfg, err := NewConfig(profile, OpMatmul, inputs, TensorParams{DType: tc.outDType}, DefaultConvAttributes(), "")
			require.NoError(t, err)
			mc := cfg.(*MatmulConfig)
			assert.Equal(t, tc.want, mc.OutDType)
			if tc.settings != "" && tc.dtype == "float16" {
				assert.Equal(t, 32, mc.Params.NTile)
			}

			p, err := Build(profile, cfg)
			require.NoError(t, err)
			assert.Equal(t, "simple_matmul", p.Name)

			k0 := 16
			if tc.dtype == "int8" {
				k0 = 32
			}
			a := smallInts(m*k, 7, 5, 2)
			b := smallInts(k*n, 3, 7, 3)
			result, err := sim.Run(p, map[string][]float64{
				MatmulA: sim.BlockMatrixA(a, m, k, k0),
				MatmulB: sim.BlockMatrixB(b, k, n, k0),
			}, sim.Options{Parallelism: -1})
			require.NoError(t, err)
			require.Equal(t, 0, result.Unwritten[MatmulOutput])
			assert.Equal(t, sim.Matmul(a, b, m, k, n), sim.UnblockMatrixC(result.Outputs[MatmulOutput], m, n))
		})
	}
}

func TestMatmulErrors(t *testing.T) {
	profile := hardware.DefaultProfile()
	build := func(inputs []TensorParams, output TensorParams) error {
		_, err := BuildKernel(OpMatmul, inputs, output, "", WithProfile(profile))
		return err
	}
	err := build([]TensorParams{{OriShape: []int{32, 64}, DType: "float16"}, {OriShape: []int{32, 128}, DType: "float16"}},
		TensorParams{})
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
	err = build(matmulInputs("float16", 32, 40, 128), TensorParams{})
	assert.True(t, errs.Is(err, errs.InvalidTiling), "got %v", err)
	err = build(matmulInputs("float32", 32, 64, 128), TensorParams{})
	assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)
	err = build(matmulInputs("float16", 32, 64, 128), TensorParams{Shape: []int{4, 32, 16}})
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
	err = build(matmulInputs("float16", 32, 64, 128), TensorParams{DType: "int32"})
	assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)

	// Only 2 N tiles of 64 can't be split evenly across 4 cores.
	profile.Cores = 4
	err = build(matmulInputs("float16", 32, 64, 128), TensorParams{})
	assert.True(t, errs.Is(err, errs.UnevenPartition), "got %v", err)
}

func TestInvalidProfile(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(p *hardware.Profile)
	}{
		{"zero-block-bytes", func(p *hardware.Profile) { p.BlockBytes = 0 }},
		{"no-cores", func(p *hardware.Profile) { p.Cores = 0 }},
		{"no-staging", func(p *hardware.Profile) { p.StagingBytes = 0 }},
		{"zero-burst", func(p *hardware.Profile) { p.MaxBurst = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			profile := hardware.DefaultProfile()
			tc.modify(profile)
			for _, kind := range []OpKind{OpAdd, OpMatmul, OpConv2D} {
				var inputs []TensorParams
				switch kind {
				case OpAdd:
					inputs = []TensorParams{{Shape: []int{4, 1}, DType: "float32"}, {Shape: []int{1, 3}, DType: "float32"}}
				case OpMatmul:
					inputs = matmulInputs("float16", 32, 64, 128)
				case OpConv2D:
					inputs = []TensorParams{{Shape: []int{1, 1, 5, 5, 16}, DType: "float16"},
						{OriShape: []int{32, 16, 3, 3}, DType: "float16", OriFormat: "NCHW"}}
				}
				var p *kernel.Program
				var err error
				require.NotPanics(t, func() {
					p, err = BuildKernel(kind, inputs, TensorParams{}, "", WithProfile(profile))
				}, "%s", kind)
				assert.Nil(t, p)
				assert.True(t, errs.Is(err, errs.LoweringError), "%s: got %v", kind, err)
			}
		})
	}

	// Build also checks the profile of an already parsed configuration.
	cfg := must.M1(NewMatmulConfig(hardware.DefaultProfile(), matmulInputs("float16", 32, 64, 128)[0],
		matmulInputs("float16", 32, 64, 128)[1], TensorParams{}, ""))
	invalid := hardware.DefaultProfile()
	invalid.BlockBytes = 0
	_, err := Build(invalid, cfg)
	assert.True(t, errs.Is(err, errs.LoweringError), "got %v", err)
	_, err = Build(nil, cfg)
	assert.True(t, errs.Is(err, errs.LoweringError), "got %v", err)
}

func TestConv2D(t *testing.T) {
	t.Run("nchw-pad1", func(t *testing.T) {
		const n, c, h, w, cout, kh, kw = 2, 16, 5, 5, 64, 3, 3
		profile := hardware.DefaultProfile()
		fm := TensorParams{Shape: []int{n, c / 16, h, w, 16}, DType: "float16"}
		weights := TensorParams{OriShape: []int{cout, c, kh, kw}, DType: "float16", OriFormat: "NCHW"}
		attrs := ConvAttributes{Pads: must.M1(NormalizePads([]int{1}))}
		cfg, err := NewConv2DConfig(profile, fm, weights, TensorParams{Shape: []int{n, cout / 16, h, w, 16}}, attrs, "")
		require.NoError(t, err)
		// 32 output channels per core: the default channel tile of 64 is reduced.
		assert.Equal(t, 32, cfg.Params.CoutSplit)
		assert.Equal(t, dtypes.Float16, cfg.OutDType)

		p, err := BuildKernel(OpConv2D, []TensorParams{fm, weights}, TensorParams{}, "", WithConvAttributes(attrs))
		require.NoError(t, err)
		assert.Equal(t, "conv2d_tik", p.Name)
		assert.Equal(t, []int{n, cout / 16, h, w, 16}, p.Tensor(ConvOut).Shape.Dimensions)

		x := smallInts(n*c*h*w, 3, 5, 2)
		wValues := smallInts(cout*c*kh*kw, 3, 4, 2)
		result, err := sim.Run(p, map[string][]float64{
			ConvFeatureMap: sim.BlockFeatureMap(x, n, c, h, w, 16),
			ConvWeight:     sim.BlockWeights(wValues, cout, c, kh, kw, 16),
		}, sim.Options{Parallelism: 2})
		require.NoError(t, err)
		require.Equal(t, 0, result.Unwritten[ConvOut])
		want := sim.Conv2D(x, wValues, sim.ConvConfig{N: n, C: c, H: h, W: w, Cout: cout, KH: kh, KW: kw,
			StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, PadTop: 1, PadLeft: 1, Ho: h, Wo: w})
		assert.Equal(t, want, sim.UnblockConvOutput(result.Outputs[ConvOut], n, cout, h, w))
	})

	t.Run("nhwc-stride2", func(t *testing.T) {
		profile := hardware.DefaultProfile()
		fm := TensorParams{Shape: []int{1, 1, 6, 6, 16}, DType: "float16"}
		weights := TensorParams{OriShape: []int{32, 2, 2, 16}, DType: "float16", OriFormat: "NHWC"}
		attrs := ConvAttributes{Strides: []int{1, 2, 2, 1}}
		cfg, err := NewConv2DConfig(profile, fm, weights, TensorParams{DType: "float32"}, attrs, "conv")
		require.NoError(t, err)
		assert.Equal(t, FormatNHWC, cfg.Format)
		assert.Equal(t, 2, cfg.Params.StrideH)
		assert.Equal(t, 2, cfg.Params.StrideW)
		assert.Equal(t, 32, cfg.Params.Cout)
		assert.Equal(t, 16, cfg.Params.CoutSplit)
		assert.Equal(t, dtypes.Float32, cfg.OutDType)
		p := must.M1(Build(profile, cfg))
		assert.Equal(t, []int{1, 2, 3, 3, 16}, p.Tensor(ConvOut).Shape.Dimensions)
	})

	t.Run("explicit-cout-split", func(t *testing.T) {
		profile := hardware.DefaultProfile()
		require.NoError(t, profile.ParseSettings("conv2d/cout_split=48"))
		_, err := BuildKernel(OpConv2D, []TensorParams{
			{Shape: []int{1, 1, 4, 4, 16}, DType: "float16"},
			{OriShape: []int{64, 16, 1, 1}, DType: "float16"},
		}, TensorParams{}, "", WithProfile(profile))
		assert.True(t, errs.Is(err, errs.InvalidTiling), "got %v", err)
	})

	t.Run("errors", func(t *testing.T) {
		profile := hardware.DefaultProfile()
		weights := TensorParams{OriShape: []int{32, 16, 3, 3}, DType: "float16"}
		attrs := DefaultConvAttributes()
		_, err := NewConv2DConfig(profile, TensorParams{Shape: []int{1, 1, 5, 5, 32}, DType: "float16"}, weights,
			TensorParams{}, attrs, "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
		_, err = NewConv2DConfig(profile, TensorParams{Shape: []int{1, 2, 5, 5, 16}, DType: "float16"}, weights,
			TensorParams{}, attrs, "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
		_, err = NewConv2DConfig(profile, TensorParams{Shape: []int{1, 1, 5, 5, 16}, DType: "float32"}, weights,
			TensorParams{}, attrs, "")
		assert.True(t, errs.Is(err, errs.UnsupportedDataType), "got %v", err)
		badFormat := weights
		badFormat.OriFormat = "HWCN"
		_, err = NewConv2DConfig(profile, TensorParams{Shape: []int{1, 1, 5, 5, 16}, DType: "float16"}, badFormat,
			TensorParams{}, attrs, "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
		_, err = NewConv2DConfig(profile, TensorParams{Shape: []int{1, 1, 5, 5, 16}, DType: "float16"}, weights,
			TensorParams{Shape: []int{1, 2, 5, 5, 16}}, attrs, "")
		assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
	})
}
