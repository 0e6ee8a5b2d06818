// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/gomlx/tilegen/pkg/pipeline"
	"github.com/gomlx/tilegen/pkg/tiling"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the global tensors of the generated kernels, used as keys by the simulator.
const (
	AddX, AddY, AddOut             = "x", "y", "out"
	ConvFeatureMap, ConvWeight     = "fm", "weight"
	ConvOut                        = "out"
	MatmulA, MatmulB, MatmulOutput = "a", "b", "c"
)

// checkProfile returns an errs.LoweringError if the profile is missing or invalid.
func checkProfile(profile *hardware.Profile) error {
	if profile == nil {
		return errs.Errorf(errs.LoweringError, nil, "missing hardware profile")
	}
	if err := profile.Validate(); err != nil {
		return errs.Wrapf(err, errs.LoweringError, profile.Name, "invalid hardware profile")
	}
	return nil
}

// Build lowers the configuration to a validated kernel program.
func Build(profile *hardware.Profile, cfg Config) (*kernel.Program, error) {
	if err := checkProfile(profile); err != nil {
		return nil, err
	}
	klog.V(1).Infof("ops: building %s", cfg)
	switch c := cfg.(type) {
	case *AddConfig:
		return buildAdd(profile, c)
	case *Conv2DConfig:
		return buildConv2D(profile, c)
	case *MatmulConfig:
		return buildMatmul(profile, c)
	}
	return nil, errs.Errorf(errs.LoweringError, cfg, "ops.Build: unknown configuration type %T", cfg)
}

func buildAdd(profile *hardware.Profile, cfg *AddConfig) (*kernel.Program, error) {
	return kernel.Emit(profile, cfg.KernelName, func(b *kernel.Builder) {
		x := b.Input(AddX, cfg.X)
		y := b.Input(AddY, cfg.Y)
		out := b.Output(AddOut, cfg.Out)
		b.Elementwise(kernel.Elementwise{
			Op:  kernel.ElementwiseAdd,
			Dst: out.Region(), X: x.Region(), Y: y.Region(),
			OutDims: cfg.OutDims, XDims: cfg.XDims, YDims: cfg.YDims,
		})
	})
}

func buildConv2D(profile *hardware.Profile, cfg *Conv2DConfig) (*kernel.Program, error) {
	plan, err := tiling.PlanConv2D(profile, cfg.Params)
	if err != nil {
		return nil, err
	}
	p := cfg.Params
	return kernel.Emit(profile, cfg.KernelName, func(b *kernel.Builder) {
		fm := b.Input(ConvFeatureMap, shapes.Make(p.DType, p.N, p.C1, p.H, p.W, plan.C0))
		weight := b.Input(ConvWeight, shapes.Make(p.DType, p.C1, p.KH, p.KW, p.Cout, plan.C0))
		out := b.Output(ConvOut, shapes.Make(cfg.OutDType, p.N, p.Cout/tiling.CubeUnit, plan.Ho, plan.Wo,
			tiling.CubeUnit))
		pipeline.ScheduleConv2D(b, plan, pipeline.ConvOperands{FeatureMap: fm, Weight: weight, Output: out})
	})
}

func buildMatmul(profile *hardware.Profile, cfg *MatmulConfig) (*kernel.Program, error) {
	plan, err := tiling.PlanMatmul(profile, cfg.Params)
	if err != nil {
		return nil, err
	}
	p := cfg.Params
	return kernel.Emit(profile, cfg.KernelName, func(b *kernel.Builder) {
		a := b.Input(MatmulA, shapes.Make(p.DType, p.K/plan.K0, p.M, plan.K0))
		bT := b.Input(MatmulB, shapes.Make(p.DType, p.K/plan.K0, p.N, plan.K0))
		c := b.Output(MatmulOutput, shapes.Make(cfg.OutDType, p.N/tiling.CubeUnit, p.M, tiling.CubeUnit))
		pipeline.ScheduleMatmul(b, plan, cfg.NDepth, pipeline.MatmulOperands{A: a, B: bT, C: c})
	})
}

// Option for BuildKernel.
type Option func(o *buildOptions)

type buildOptions struct {
	profile *hardware.Profile
	attrs   ConvAttributes
}

// WithProfile sets the hardware profile to lower for. The default is hardware.DefaultProfile().
func WithProfile(profile *hardware.Profile) Option {
	return func(o *buildOptions) { o.profile = profile }
}

// WithConvAttributes sets the strides, pads and dilations of a convolution. The default is
// DefaultConvAttributes().
func WithConvAttributes(attrs ConvAttributes) Option {
	return func(o *buildOptions) { o.attrs = attrs }
}

// NewConfig parses the operator descriptors into its typed configuration. The inputs are, per kind:
//
//   - OpAdd: x, y.
//   - OpConv2D: feature map, weights.
//   - OpMatmul: x1, x2.
//
// The output descriptor can be left empty (zero value), in which case it is inferred.
func NewConfig(profile *hardware.Profile, kind OpKind, inputs []TensorParams, output TensorParams,
	attrs ConvAttributes, name string) (Config, error) {
	if err := checkProfile(profile); err != nil {
		return nil, err
	}
	if len(inputs) != 2 {
		return nil, errs.Errorf(errs.ShapeMismatch, len(inputs), "%s takes 2 inputs, got %d", kind, len(inputs))
	}
	switch kind {
	case OpAdd:
		return NewAddConfig(profile, inputs[0], inputs[1], output, name)
	case OpConv2D:
		return NewConv2DConfig(profile, inputs[0], inputs[1], output, attrs, name)
	case OpMatmul:
		return NewMatmulConfig(profile, inputs[0], inputs[1], output, name)
	}
	return nil, errs.Errorf(errs.LoweringError, kind, "unknown operator %s", kind)
}

// BuildKernel parses the descriptors of an operator and lowers it to a kernel program named kernelName
// (or the operator default name, if empty).
func BuildKernel(kind OpKind, inputs []TensorParams, output TensorParams, kernelName string,
	options ...Option) (*kernel.Program, error) {
	opts := buildOptions{attrs: DefaultConvAttributes()}
	for _, option := range options {
		option(&opts)
	}
	if opts.profile == nil {
		opts.profile = hardware.DefaultProfile()
	}
	cfg, err := NewConfig(opts.profile, kind, inputs, output, opts.attrs, kernelName)
	if err != nil {
		return nil, errors.WithMessagef(err, "BuildKernel(%s)", kind)
	}
	program, err := Build(opts.profile, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "BuildKernel(%s, %q)", kind, cfg.Name())
	}
	return program, nil
}
