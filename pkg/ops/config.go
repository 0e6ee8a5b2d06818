// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/pkg/broadcast"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/tiling"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Config is the typed configuration of one operator: one of *AddConfig, *Conv2DConfig or *MatmulConfig.
type Config interface {
	// Kind of the operator.
	Kind() OpKind

	// Name of the kernel to generate.
	Name() string

	fmt.Stringer
	isConfig()
}

// Default kernel names, used when none is given.
var defaultKernelNames = map[OpKind]string{
	OpAdd:    "add",
	OpConv2D: "conv2d_tik",
	OpMatmul: "simple_matmul",
}

func kernelName(kind OpKind, name string) string {
	if name == "" {
		return defaultKernelNames[kind]
	}
	return name
}

// parseDType parses the dtype of a descriptor and checks it is one of the allowed.
func parseDType(what string, params TensorParams, allowed ...dtypes.DType) (dtypes.DType, error) {
	dtype, err := shapes.ParseDType(params.DType)
	if err != nil {
		return dtype, errs.Wrapf(err, errs.UnsupportedDataType, params.DType, "%s", what)
	}
	if err = shapes.Supported(dtype, allowed...); err != nil {
		return dtypes.InvalidDType, errs.Wrapf(err, errs.UnsupportedDataType, params.DType, "%s", what)
	}
	return dtype, nil
}

// checkDeclaredShape checks that the shape given in a descriptor, if any, matches the one inferred.
func checkDeclaredShape(what string, declared, inferred []int) error {
	if len(declared) == 0 || slices.Equal(declared, inferred) {
		return nil
	}
	return errs.Errorf(errs.ShapeMismatch, declared, "%s: shape %v doesn't match the expected %v", what, declared, inferred)
}

// checkDeclaredDType checks that the dtype given in a descriptor, if any, matches the one inferred.
func checkDeclaredDType(what string, declared string, inferred dtypes.DType) error {
	if declared == "" {
		return nil
	}
	dtype, err := shapes.ParseDType(declared)
	if err != nil {
		return err
	}
	if dtype != inferred {
		return errs.Errorf(errs.UnsupportedDataType, declared, "%s: dtype %s doesn't match the expected %s",
			what, declared, shapes.Name(inferred))
	}
	return nil
}

// AddConfig is the configuration of the broadcast addition.
type AddConfig struct {
	KernelName string

	// X, Y and Out are the global tensors: X and Y as given, Out with the broadcast shape.
	X, Y, Out shapes.Shape

	// XDims, YDims and OutDims are the aligned shapes (same rank) the elementwise kernel iterates over,
	// with a common trailing 1 squeezed.
	XDims, YDims, OutDims []int
}

// NewAddConfig validates the descriptors of x + y: dtypes float16, float32 or int32, broadcast-compatible
// shapes, and an output element count within profile.MaxElements.
//
// The output descriptor can be left empty, otherwise it must match the broadcast result.
func NewAddConfig(profile *hardware.Profile, x, y, output TensorParams, name string) (*AddConfig, error) {
	allowed := []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Int32}
	dtypeX, err := parseDType("add input x", x, allowed...)
	if err != nil {
		return nil, err
	}
	dtypeY, err := parseDType("add input y", y, allowed...)
	if err != nil {
		return nil, err
	}
	shapeX, err := shapes.FromDimensions(dtypeX, x.Shape)
	if err != nil {
		return nil, err
	}
	shapeY, err := shapes.FromDimensions(dtypeY, y.Shape)
	if err != nil {
		return nil, err
	}
	alignedX, alignedY, out, err := broadcast.Shapes(shapeX, shapeY, profile.MaxElements)
	if err != nil {
		return nil, err
	}
	if err = checkDeclaredShape("add output", output.Shape, out.Dimensions); err != nil {
		return nil, err
	}
	if err = checkDeclaredDType("add output", output.DType, out.DType); err != nil {
		return nil, err
	}
	cfg := &AddConfig{KernelName: kernelName(OpAdd, name), X: shapeX, Y: shapeY, Out: out}
	cfg.XDims, cfg.YDims, cfg.OutDims = broadcast.SqueezeTrailingOne(alignedX.Dimensions, alignedY.Dimensions,
		out.Dimensions)
	return cfg, nil
}

func (c *AddConfig) Kind() OpKind { return OpAdd }
func (c *AddConfig) Name() string { return c.KernelName }
func (c *AddConfig) isConfig()    {}

// String implements fmt.Stringer.
func (c *AddConfig) String() string {
	return fmt.Sprintf("add %q: %s + %s -> %s", c.KernelName, c.X, c.Y, c.Out)
}

// Conv2DConfig is the configuration of a 2D convolution.
type Conv2DConfig struct {
	KernelName string
	Params     tiling.ConvParams

	// OutDType is the dtype of the output written back to global memory.
	OutDType dtypes.DType

	// Format of the original weights shape, which determines which attribute entries are used.
	Format Format
}

// weightShape returns the blocked weights shape [C/C0, KH, KW, Cout, C0] for the original weights shape.
func weightShape(format Format, ori []int) (c, kh, kw, cout int) {
	if format == FormatNHWC {
		return ori[3], ori[1], ori[2], ori[0]
	}
	return ori[1], ori[2], ori[3], ori[0]
}

// NewConv2DConfig validates the descriptors of a convolution:
//
//   - fm is the blocked feature map, with Shape [N, C1, H, W, C0], dtype float16 or int8.
//   - weights gives OriShape (4D, in OriFormat NCHW or NHWC, output channels first) and the same dtype.
//     The blocked weights are [C1, KH, KW, Cout, C0].
//   - output gives the dtype written back (float16 by default, or the accumulator dtype); its Shape,
//     if given, must be [N, Cout/16, Ho, Wo, 16].
//
// The channel tile size (cout_split) and the batch buffering depth (batch_depth) come from the profile
// settings, scoped "conv2d/<dtype>". If cout_split was not set explicitly, it is reduced to fit the
// output channels of each core.
func NewConv2DConfig(profile *hardware.Profile, fm, weights, output TensorParams, attrs ConvAttributes,
	name string) (*Conv2DConfig, error) {
	dtype, err := parseDType("conv2d feature map", fm, dtypes.Float16, dtypes.Int8)
	if err != nil {
		return nil, err
	}
	if err = checkDeclaredDType("conv2d weights", weights.DType, dtype); err != nil {
		return nil, err
	}
	c0 := must.M1(tiling.BlockUnit(dtype))
	if len(fm.Shape) != 5 || fm.Shape[4] != c0 {
		return nil, errs.Errorf(errs.ShapeMismatch, fm.Shape,
			"conv2d feature map must be [N, C1, H, W, %d] for %s, got %v", c0, shapes.Name(dtype), fm.Shape)
	}
	if err = shapes.CheckSize(fm.Shape, profile.MaxElements); err != nil {
		return nil, err
	}
	format, err := ParseFormat(weights.OriFormat)
	if err != nil {
		return nil, err
	}
	if len(weights.OriShape) != 4 {
		return nil, errs.Errorf(errs.ShapeMismatch, weights.OriShape, "conv2d weights ori_shape must be 4D, got %v",
			weights.OriShape)
	}
	channels, kh, kw, cout := weightShape(format, weights.OriShape)
	if channels%c0 != 0 {
		return nil, errs.Errorf(errs.InvalidTiling, channels, "conv2d input channels %d must be a multiple of %d for %s",
			channels, c0, shapes.Name(dtype))
	}
	if channels/c0 != fm.Shape[1] {
		return nil, errs.Errorf(errs.ShapeMismatch, []int{fm.Shape[1], channels / c0},
			"conv2d feature map has %d channel blocks, weights have %d", fm.Shape[1], channels/c0)
	}
	if err = checkDeclaredShape("conv2d weights", weights.Shape, []int{channels / c0, kh, kw, cout, c0}); err != nil {
		return nil, err
	}

	attrs = attrs.withDefaults()
	if err = attrs.Validate(); err != nil {
		return nil, err
	}
	hAxis, wAxis := 2, 3
	if format == FormatNHWC {
		hAxis, wAxis = 1, 2
	}
	accDType := must.M1(tiling.AccumulatorDType(dtype))
	outDType := dtypes.Float16
	if output.DType != "" {
		if outDType, err = parseDType("conv2d output", output, dtypes.Float16, accDType); err != nil {
			return nil, err
		}
	}

	scope := OpConv2D.String() + hardware.ScopeSeparator + shapes.Name(dtype)
	params := tiling.ConvParams{
		DType: dtype,
		N:     fm.Shape[0], C1: fm.Shape[1], H: fm.Shape[2], W: fm.Shape[3],
		Cout: cout, KH: kh, KW: kw,
		StrideH: attrs.Strides[hAxis], StrideW: attrs.Strides[wAxis],
		DilationH: attrs.Dilations[hAxis], DilationW: attrs.Dilations[wAxis],
		PadTop: attrs.Pads[0], PadBottom: attrs.Pads[1], PadLeft: attrs.Pads[2], PadRight: attrs.Pads[3],
		CoutSplit:  profile.Setting(scope, "cout_split"),
		BatchDepth: profile.Setting(scope, "batch_depth"),
	}
	if !profile.HasSetting(scope, "cout_split") {
		params.CoutSplit = fitCoutSplit(params.CoutSplit, cout, profile.Cores)
	}
	if len(output.Shape) > 0 {
		ho, err := tiling.ConvOutputDim(params.H, kh, params.StrideH, params.DilationH, params.PadTop, params.PadBottom)
		if err != nil {
			return nil, err
		}
		wo, err := tiling.ConvOutputDim(params.W, kw, params.StrideW, params.DilationW, params.PadLeft, params.PadRight)
		if err != nil {
			return nil, err
		}
		if err = checkDeclaredShape("conv2d output", output.Shape,
			[]int{params.N, cout / tiling.CubeUnit, ho, wo, tiling.CubeUnit}); err != nil {
			return nil, err
		}
	}
	return &Conv2DConfig{KernelName: kernelName(OpConv2D, name), Params: params, OutDType: outDType, Format: format}, nil
}

// fitCoutSplit returns the largest channel tile <= split, multiple of 16, that divides the output
// channels of each core. If there is none, split is returned unchanged and the planner reports the error.
func fitCoutSplit(split, cout, cores int) int {
	if cores < 1 || cout%cores != 0 {
		return split
	}
	perCore := cout / cores
	if perCore%split == 0 {
		return split
	}
	for candidate := min(split, perCore) / tiling.CubeUnit * tiling.CubeUnit; candidate > 0; candidate -= tiling.CubeUnit {
		if perCore%candidate == 0 {
			klog.V(1).Infof("conv2d: cout_split reduced from %d to %d to fit %d output channels per core",
				split, candidate, perCore)
			return candidate
		}
	}
	return split
}

func (c *Conv2DConfig) Kind() OpKind { return OpConv2D }
func (c *Conv2DConfig) Name() string { return c.KernelName }
func (c *Conv2DConfig) isConfig()    {}

// String implements fmt.Stringer.
func (c *Conv2DConfig) String() string {
	p := c.Params
	return fmt.Sprintf("conv2d %q: %s [%d, %d, %d, %d, C0] * [%d, %d, %d, %d, C0] -> %s, stride %dx%d, dilation %dx%d, "+
		"pads %v, cout_split %d", c.KernelName, shapes.Name(p.DType), p.N, p.C1, p.H, p.W, p.C1, p.KH, p.KW, p.Cout,
		shapes.Name(c.OutDType), p.StrideH, p.StrideW, p.DilationH, p.DilationW,
		[]int{p.PadTop, p.PadBottom, p.PadLeft, p.PadRight}, p.CoutSplit)
}

// MatmulConfig is the configuration of a matrix multiplication.
type MatmulConfig struct {
	KernelName string
	Params     tiling.MatmulParams

	// NDepth is the requested buffering depth of the N-tile loop.
	NDepth int

	// OutDType is the dtype of the output written back to global memory.
	OutDType dtypes.DType
}

// InferMatmulOutput returns the original shape [M, N] of x1 [M, K] x x2 [K, N].
func InferMatmulOutput(x1, x2 []int) ([]int, error) {
	if len(x1) != 2 || len(x2) != 2 {
		return nil, errs.Errorf(errs.ShapeMismatch, [][]int{x1, x2}, "matmul operands must be 2D, got %v and %v", x1, x2)
	}
	if x1[1] != x2[0] {
		return nil, errs.Errorf(errs.ShapeMismatch, []int{x1[1], x2[0]},
			"matmul reduction dimensions don't match: %v x %v", x1, x2)
	}
	return []int{x1[0], x2[1]}, nil
}

// NewMatmulConfig validates the descriptors of x1 [M, K] x x2 [K, N], given by their OriShape. The dtype
// is float16 or int8; the output dtype defaults to the accumulator dtype, and can also be float16.
//
// The blocked global layouts are x1 [K/K0, M, K0], x2 [K/K0, N, K0] and output [N/16, M, 16]: shapes given
// in the descriptors must match them.
//
// The tiling (m_tile, k_tile, n_tile) and the buffering depths (m_depth, n_depth, k_depth) come from the
// profile settings, scoped "matmul/<dtype>".
func NewMatmulConfig(profile *hardware.Profile, x1, x2, output TensorParams, name string) (*MatmulConfig, error) {
	dtype, err := parseDType("matmul x1", x1, dtypes.Float16, dtypes.Int8)
	if err != nil {
		return nil, err
	}
	if err = checkDeclaredDType("matmul x2", x2.DType, dtype); err != nil {
		return nil, err
	}
	outOri, err := InferMatmulOutput(x1.OriShape, x2.OriShape)
	if err != nil {
		return nil, err
	}
	m, k, n := x1.OriShape[0], x1.OriShape[1], x2.OriShape[1]
	k0 := must.M1(tiling.BlockUnit(dtype))
	if k%k0 != 0 || n%tiling.CubeUnit != 0 {
		return nil, errs.Errorf(errs.InvalidTiling, []int{k, n}, "matmul K=%d must be a multiple of %d and N=%d of %d",
			k, k0, n, tiling.CubeUnit)
	}
	if err = checkDeclaredShape("matmul x1", x1.Shape, []int{k / k0, m, k0}); err != nil {
		return nil, err
	}
	if err = checkDeclaredShape("matmul x2", x2.Shape, []int{k / k0, n, k0}); err != nil {
		return nil, err
	}
	if err = checkDeclaredShape("matmul output", output.OriShape, outOri); err != nil {
		return nil, err
	}
	if err = checkDeclaredShape("matmul output", output.Shape, []int{n / tiling.CubeUnit, m, tiling.CubeUnit}); err != nil {
		return nil, err
	}
	accDType := must.M1(tiling.AccumulatorDType(dtype))
	outDType := accDType
	if output.DType != "" {
		if outDType, err = parseDType("matmul output", output, accDType, dtypes.Float16); err != nil {
			return nil, err
		}
	}

	scope := OpMatmul.String() + hardware.ScopeSeparator + shapes.Name(dtype)
	return &MatmulConfig{
		KernelName: kernelName(OpMatmul, name),
		Params: tiling.MatmulParams{
			DType: dtype,
			M:     m, K: k, N: n,
			MTile:  profile.Setting(scope, "m_tile"),
			KTile:  profile.Setting(scope, "k_tile"),
			NTile:  profile.Setting(scope, "n_tile"),
			MDepth: profile.Setting(scope, "m_depth"),
			KDepth: profile.Setting(scope, "k_depth"),
		},
		NDepth:   profile.Setting(scope, "n_depth"),
		OutDType: outDType,
	}, nil
}

func (c *MatmulConfig) Kind() OpKind { return OpMatmul }
func (c *MatmulConfig) Name() string { return c.KernelName }
func (c *MatmulConfig) isConfig()    {}

// String implements fmt.Stringer.
func (c *MatmulConfig) String() string {
	p := c.Params
	return fmt.Sprintf("matmul %q: %s [%d, %d] x [%d, %d] -> %s, tiles m=%d k=%d n=%d, depths m=%d n=%d k=%d",
		c.KernelName, shapes.Name(p.DType), p.M, p.K, p.K, p.N, shapes.Name(c.OutDType), p.MTile, p.KTile, p.NTile,
		p.MDepth, c.NDepth, p.KDepth)
}
