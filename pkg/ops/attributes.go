// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/tilegen/pkg/core/errs"
)

// ConvAttributes are the 4-element attribute lists of a convolution, as in the operator descriptor:
//
//   - Strides and Dilations are indexed by the axes of the weights format: [N, C, H, W] for NCHW,
//     [N, H, W, C] for NHWC.
//   - Pads are [top, bottom, left, right].
type ConvAttributes struct {
	Strides   []int `yaml:"strides,omitempty"`
	Pads      []int `yaml:"pads,omitempty"`
	Dilations []int `yaml:"dilations,omitempty"`
}

// DefaultConvAttributes returns unit strides and dilations, and no padding.
func DefaultConvAttributes() ConvAttributes {
	return ConvAttributes{
		Strides:   []int{1, 1, 1, 1},
		Pads:      []int{0, 0, 0, 0},
		Dilations: []int{1, 1, 1, 1},
	}
}

// withDefaults fills the empty lists with the defaults.
func (a ConvAttributes) withDefaults() ConvAttributes {
	d := DefaultConvAttributes()
	if len(a.Strides) == 0 {
		a.Strides = d.Strides
	}
	if len(a.Pads) == 0 {
		a.Pads = d.Pads
	}
	if len(a.Dilations) == 0 {
		a.Dilations = d.Dilations
	}
	return a
}

// Validate checks the lists have 4 elements (errs.ShapeMismatch), strides and dilations are >= 1 and
// pads >= 0 (errs.InvalidTiling).
func (a ConvAttributes) Validate() error {
	for _, attr := range []struct {
		name     string
		values   []int
		minValue int
	}{
		{"strides", a.Strides, 1},
		{"pads", a.Pads, 0},
		{"dilations", a.Dilations, 1},
	} {
		if len(attr.values) != 4 {
			return errs.Errorf(errs.ShapeMismatch, attr.values, "%s should have 4 elements, got %v", attr.name, attr.values)
		}
		for _, v := range attr.values {
			if v < attr.minValue {
				return errs.Errorf(errs.InvalidTiling, attr.values, "%s must be >= %d, got %v", attr.name, attr.minValue,
					attr.values)
			}
		}
	}
	return nil
}

// spatial expands a framework attribute given either as a list of 1 value (both axes) or 2 values (h, w),
// or as an explicit (h, w) pair, to its (h, w) values. The list and the pair are exclusive.
func spatial(name string, list []int, hw []int, defaultValue int) (h, w int, err error) {
	if len(hw) > 0 {
		if len(list) != 0 || len(hw) != 2 {
			err = errs.Errorf(errs.ShapeMismatch, hw, "%s: either a list or explicit h and w values, got %v and %v",
				name, list, hw)
			return
		}
		return hw[0], hw[1], nil
	}
	switch len(list) {
	case 0:
		return defaultValue, defaultValue, nil
	case 1:
		return list[0], list[0], nil
	case 2:
		return list[0], list[1], nil
	}
	err = errs.Errorf(errs.ShapeMismatch, list, "%s should have 1 or 2 values, got %v", name, list)
	return
}

// NormalizePads converts a framework padding attribute (1 or 2 values, or explicit h, w) to the
// 4-element [top, bottom, left, right] list. The default is no padding.
func NormalizePads(list []int, hw ...int) ([]int, error) {
	h, w, err := spatial("pads", list, hw, 0)
	if err != nil {
		return nil, err
	}
	return []int{h, h, w, w}, nil
}

// NormalizeStrides converts a framework stride attribute (1 or 2 values, or explicit h, w) to the
// 4-element NCHW list [1, 1, h, w]. The default is 1.
func NormalizeStrides(list []int, hw ...int) ([]int, error) {
	h, w, err := spatial("strides", list, hw, 1)
	if err != nil {
		return nil, err
	}
	return []int{1, 1, h, w}, nil
}

// NormalizeDilations converts a framework dilation attribute (1 or 2 values) to the 4-element NCHW
// list [1, 1, h, w]. The default is 1.
func NormalizeDilations(list []int) ([]int, error) {
	h, w, err := spatial("dilations", list, nil, 1)
	if err != nil {
		return nil, err
	}
	return []int{1, 1, h, w}, nil
}
