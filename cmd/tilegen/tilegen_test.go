// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/ops"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
settings: "matmul/n_tile=32"
kernels:
  - op: add
    inputs:
      - {shape: [4, 1], dtype: float32}
      - {shape: [1, 3], dtype: float32}
  - op: matmul_tik
    name: mm
    inputs:
      - {ori_shape: [32, 64], dtype: float16}
      - {ori_shape: [64, 128], dtype: float16}
    output: {dtype: float16}
  - op: conv2d
    inputs:
      - {shape: [2, 1, 6, 6, 16], dtype: float16}
      - {ori_shape: [32, 16, 3, 3], ori_format: NCHW, dtype: float16}
    attributes: {pads: [1, 1, 1, 1], strides: [1, 1, 2, 2]}
  - op: add
    name: broken
    inputs:
      - {shape: [2, 3], dtype: float32}
      - {shape: [4, 3], dtype: float32}
`

func TestParseDims(t *testing.T) {
	assert.Equal(t, []int{4, 1}, must.M1(parseDims("4, 1")))
	assert.Nil(t, must.M1(parseDims("")))
	_, err := parseDims("4,x")
	assert.Error(t, err)
}

func TestManifest(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "kernels.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(testManifest), 0o644))
	manifest, err := LoadManifest(filePath)
	require.NoError(t, err)
	assert.Equal(t, "matmul/n_tile=32", manifest.Settings)
	require.Len(t, manifest.Kernels, 4)
	assert.Equal(t, []int{1, 1, 2, 2}, manifest.Kernels[2].Attributes.Strides)
	assert.Empty(t, manifest.Kernels[2].Attributes.Dilations)
	assert.Equal(t, "NCHW", manifest.Kernels[2].Inputs[1].OriFormat)

	_, err = ParseManifest([]byte("kernels: []"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("kernels:\n  - op: sub\n"))
	assert.True(t, errs.Is(err, errs.LoweringError), "got %v", err)
	_, err = ParseManifest([]byte("kernels:\n  - {op: add, name: a}\n  - {op: matmul, name: a}\n"))
	assert.ErrorContains(t, err, "both named")
	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildAndSimulate(t *testing.T) {
	manifest := must.M1(ParseManifest([]byte(testManifest)))
	profile := hardware.DefaultProfile()
	require.NoError(t, profile.ParseSettings(manifest.Settings))
	for _, parallelism := range []int{0, 2, -1} {
		kernels := BuildAll(profile, manifest.Kernels, parallelism)
		require.Len(t, kernels, 4)
		assert.Equal(t, 1, countFailed(kernels))
		assert.True(t, errs.Is(kernels[3].Err, errs.ShapeMismatch), "got %v", kernels[3].Err)
		assert.Equal(t, "add", kernels[0].Program.Name)
		assert.Equal(t, "mm", kernels[1].Program.Name)
		assert.Equal(t, 32, kernels[1].Config.(*ops.MatmulConfig).Params.NTile)
		assert.Equal(t, "conv2d_tik", kernels[2].Program.Name)

		for _, k := range kernels[:3] {
			var coresDone int
			check := Simulate(k, 7, 0, func(int) { coresDone++ })
			require.NoError(t, check.Err, "kernel %s", check.Name)
			assert.Equal(t, k.Program.Cores, coresDone)
			assert.Zero(t, check.Mismatches, "kernel %s: max diff %g", check.Name, check.MaxDiff)
			assert.Zero(t, check.Unwritten)
			assert.Positive(t, check.Elements)
			assert.Positive(t, check.Stats.Instructions)
		}
	}
}

func TestNewSpec(t *testing.T) {
	spec, err := newSpec(ops.OpConv2D, "", "float16", "", "NHWC", []int{1, 1, 6, 6, 16}, []int{32, 2, 2, 16},
		[]int{2}, []int{1, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 1}, spec.Attributes.Strides)
	assert.Equal(t, []int{1, 1, 0, 0}, spec.Attributes.Pads)
	assert.Equal(t, []int{1, 1, 1, 1}, spec.Attributes.Dilations)
	kernels := BuildAll(hardware.DefaultProfile(), []KernelSpec{spec}, 0)
	require.NoError(t, kernels[0].Err)
	cfg := kernels[0].Config.(*ops.Conv2DConfig)
	assert.Equal(t, 2, cfg.Params.StrideH)
	assert.Equal(t, 1, cfg.Params.PadTop)
	assert.Equal(t, 0, cfg.Params.PadLeft)

	spec, err = newSpec(ops.OpMatmul, "mm", "int8", "", "", []int{32, 64}, []int{64, 32}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 32}, spec.Inputs[1].OriShape)

	_, err = newSpec(ops.OpConv2D, "", "float16", "", "NCHW", nil, nil, []int{1, 2, 3}, nil, nil)
	assert.True(t, errs.Is(err, errs.ShapeMismatch), "got %v", err)
}

func TestCoreProgress(t *testing.T) {
	onCoreDone := newCoreProgress("mm", 2)
	assert.NotPanics(t, func() {
		onCoreDone(0)
		onCoreDone(1)
		// Past the total: reported, not fatal.
		onCoreDone(2)
	})
}
