// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hardware describes the accelerator targeted by the kernel generator: number of cores,
// on-chip capacities per memory tier, transfer block size and DMA addressing limits.
//
// A Profile is passed explicitly to every component: there are no process-wide hardware toggles.
package hardware

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegen/internal/scoped"
	"github.com/pkg/errors"
)

// Profile of the target accelerator.
type Profile struct {
	// Name of the target, informative only.
	Name string

	// Cores is the number of physical cores the kernel body is partitioned over.
	Cores int

	// StagingBytes and AccumulatorBytes are the on-chip capacities per core.
	StagingBytes, AccumulatorBytes int

	// BlockBytes is the size of one transfer block: burst lengths and strides are measured in blocks.
	BlockBytes int

	// MaxStride is the largest gap (in blocks) between bursts a single transfer can express.
	MaxStride int

	// MaxBurst is the largest burst length (in blocks).
	MaxBurst int

	// MaxBurstCount is the largest number of bursts in one transfer.
	MaxBurstCount int

	// MaxElements bounds the number of elements of any tensor.
	MaxElements int

	// settings holds the operator tunables, scoped by operator name.
	settings *scoped.Params
}

// DefaultProfile returns the profile of the reference 2-core target.
func DefaultProfile() *Profile {
	return &Profile{
		Name:             "mini",
		Cores:            2,
		StagingBytes:     1 << 20,
		AccumulatorBytes: 256 << 10,
		BlockBytes:       32,
		MaxStride:        65535,
		MaxBurst:         65535,
		MaxBurstCount:    4095,
		MaxElements:      1 << 31,
		settings:         scoped.New(ScopeSeparator),
	}
}

// Clone returns a deep copy of the profile, including its settings.
func (p *Profile) Clone() *Profile {
	p2 := *p
	p2.settings = p.params().Clone()
	return &p2
}

// Validate checks that the profile is usable.
func (p *Profile) Validate() error {
	if p.Cores < 1 {
		return errors.Errorf("hardware profile %q: cores must be >= 1, got %d", p.Name, p.Cores)
	}
	if p.BlockBytes < 1 {
		return errors.Errorf("hardware profile %q: block_bytes must be >= 1, got %d", p.Name, p.BlockBytes)
	}
	if p.StagingBytes < p.BlockBytes || p.AccumulatorBytes < p.BlockBytes {
		return errors.Errorf("hardware profile %q: on-chip capacities (staging=%d, accumulator=%d) must hold at least one block of %d bytes",
			p.Name, p.StagingBytes, p.AccumulatorBytes, p.BlockBytes)
	}
	if p.MaxStride < 0 || p.MaxBurst < 1 || p.MaxBurstCount < 1 {
		return errors.Errorf("hardware profile %q: invalid DMA limits (max_stride=%d, max_burst=%d, max_burst_count=%d)",
			p.Name, p.MaxStride, p.MaxBurst, p.MaxBurstCount)
	}
	if p.MaxElements < 1 {
		return errors.Errorf("hardware profile %q: max_elements must be >= 1, got %d", p.Name, p.MaxElements)
	}
	return nil
}

// String implements fmt.Stringer.
func (p *Profile) String() string {
	return fmt.Sprintf("%s: %d cores, staging %s, accumulator %s, block %dB, DMA limits (stride %d, burst %d, count %d)",
		p.Name, p.Cores, humanize.IBytes(uint64(p.StagingBytes)), humanize.IBytes(uint64(p.AccumulatorBytes)),
		p.BlockBytes, p.MaxStride, p.MaxBurst, p.MaxBurstCount)
}

func (p *Profile) params() *scoped.Params {
	if p.settings == nil {
		p.settings = scoped.New(ScopeSeparator)
	}
	return p.settings
}
