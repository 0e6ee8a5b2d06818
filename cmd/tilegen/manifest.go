// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/tilegen/internal/fsutil"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/gomlx/tilegen/pkg/ops"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Manifest lists the kernels to build. E.g.:
//
//	settings: "cores=2;matmul/n_tile=32"
//	kernels:
//	  - op: add
//	    inputs:
//	      - {shape: [4, 1], dtype: float32}
//	      - {shape: [1, 3], dtype: float32}
//	  - op: conv2d
//	    name: conv_3x3
//	    inputs:
//	      - {shape: [1, 1, 14, 14, 16], dtype: float16}
//	      - {ori_shape: [64, 16, 3, 3], ori_format: NCHW, dtype: float16}
//	    attributes: {pads: [1, 1, 1, 1]}
type Manifest struct {
	// Settings of the hardware profile, in the format of hardware.Profile.ParseSettings.
	Settings string `yaml:"settings,omitempty"`

	Kernels []KernelSpec `yaml:"kernels"`
}

// KernelSpec describes one operator to lower.
type KernelSpec struct {
	Op     string             `yaml:"op"`
	Name   string             `yaml:"name,omitempty"`
	Inputs []ops.TensorParams `yaml:"inputs"`
	Output ops.TensorParams   `yaml:"output,omitempty"`

	// Attributes of conv2d, with 4 elements each. Missing lists take the default values.
	Attributes ops.ConvAttributes `yaml:"attributes,omitempty"`
}

// ParseManifest parses the YAML contents of a manifest.
func ParseManifest(contents []byte) (*Manifest, error) {
	manifest := &Manifest{}
	if err := yaml.Unmarshal(contents, manifest); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	if len(manifest.Kernels) == 0 {
		return nil, errors.New("manifest has no kernels")
	}
	names := make(map[string]int, len(manifest.Kernels))
	for ii, spec := range manifest.Kernels {
		if _, err := ops.ParseOpKind(spec.Op); err != nil {
			return nil, errors.WithMessagef(err, "manifest kernel #%d", ii)
		}
		if spec.Name == "" {
			continue
		}
		if prev, found := names[spec.Name]; found {
			return nil, errors.Errorf("manifest kernels #%d and #%d are both named %q", prev, ii, spec.Name)
		}
		names[spec.Name] = ii
	}
	return manifest, nil
}

// LoadManifest reads and parses the manifest file. A leading "~" in filePath is expanded to the home directory.
func LoadManifest(filePath string) (*Manifest, error) {
	filePath, err := fsutil.ExpandHome(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %q", filePath)
	}
	manifest, err := ParseManifest(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "manifest %q", filePath)
	}
	return manifest, nil
}

// parseDims parses a comma-separated list of integers: "4,1" -> [4, 1]. An empty string returns nil.
func parseDims(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid list of integers %q", list)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

// specFromFlags builds the KernelSpec of the single operator described by the command-line flags.
func specFromFlags() (spec KernelSpec, err error) {
	if *flagOp == "" {
		err = errors.New("either -op or -manifest must be given")
		return
	}
	kind, err := ops.ParseOpKind(*flagOp)
	if err != nil {
		return
	}
	x, err := parseDims(*flagX)
	if err != nil {
		return
	}
	y, err := parseDims(*flagY)
	if err != nil {
		return
	}
	var strides, pads, dilations []int
	for _, pair := range []struct {
		list *string
		dst  *[]int
	}{{flagStrides, &strides}, {flagPads, &pads}, {flagDilations, &dilations}} {
		if *pair.dst, err = parseDims(*pair.list); err != nil {
			return
		}
	}
	return newSpec(kind, *flagName, *flagDType, *flagOutDType, *flagFormat, x, y, strides, pads, dilations)
}

// newSpec builds a KernelSpec from the framework-style description of an operator: the strides, pads and
// dilations have 1 or 2 values each, and are normalized to the operator attributes.
func newSpec(kind ops.OpKind, name, dtype, outDType, format string, x, y, strides, pads, dilations []int) (
	spec KernelSpec, err error) {
	spec = KernelSpec{Op: kind.String(), Name: name, Output: ops.TensorParams{DType: outDType}}
	switch kind {
	case ops.OpAdd:
		spec.Inputs = []ops.TensorParams{{Shape: x, DType: dtype}, {Shape: y, DType: dtype}}
	case ops.OpMatmul:
		spec.Inputs = []ops.TensorParams{{OriShape: x, DType: dtype}, {OriShape: y, DType: dtype}}
	case ops.OpConv2D:
		spec.Inputs = []ops.TensorParams{{Shape: x, DType: dtype}, {OriShape: y, DType: dtype, OriFormat: format}}
		attrs := &spec.Attributes
		if attrs.Pads, err = ops.NormalizePads(pads); err != nil {
			return
		}
		if attrs.Strides, err = ops.NormalizeStrides(strides); err != nil {
			return
		}
		if attrs.Dilations, err = ops.NormalizeDilations(dilations); err != nil {
			return
		}
		var f ops.Format
		if f, err = ops.ParseFormat(format); err != nil {
			return
		}
		if f == ops.FormatNHWC {
			// Normalized lists are NCHW-indexed: move (h, w) to the NHWC axes.
			attrs.Strides = []int{1, attrs.Strides[2], attrs.Strides[3], 1}
			attrs.Dilations = []int{1, attrs.Dilations[2], attrs.Dilations[3], 1}
		}
	}
	return
}

// Kernel is the result of lowering one KernelSpec.
type Kernel struct {
	Spec    KernelSpec
	Config  ops.Config
	Program *kernel.Program
	Err     error
}

// BuildAll lowers the specs concurrently, with at most parallelism builds at a time (0 builds
// sequentially and a negative value means no limit). Failures are reported in each Kernel.Err.
func BuildAll(profile *hardware.Profile, specs []KernelSpec, parallelism int) []*Kernel {
	kernels := make([]*Kernel, len(specs))
	var g errgroup.Group
	if parallelism == 0 {
		parallelism = 1
	}
	g.SetLimit(parallelism)
	for ii, spec := range specs {
		kernels[ii] = &Kernel{Spec: spec}
		g.Go(func() error {
			k := kernels[ii]
			k.Config, k.Program, k.Err = buildSpec(profile, spec)
			if k.Err != nil {
				klog.V(1).Infof("kernel #%d (%s): %+v", ii, spec.Op, k.Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return kernels
}

func buildSpec(profile *hardware.Profile, spec KernelSpec) (cfg ops.Config, program *kernel.Program, err error) {
	kind, err := ops.ParseOpKind(spec.Op)
	if err != nil {
		return
	}
	cfg, err = ops.NewConfig(profile, kind, spec.Inputs, spec.Output, spec.Attributes, spec.Name)
	if err != nil {
		return
	}
	program, err = ops.Build(profile, cfg)
	return
}

func countFailed(kernels []*Kernel) (failed int) {
	for _, k := range kernels {
		if k.Err != nil {
			failed++
		}
	}
	return
}
