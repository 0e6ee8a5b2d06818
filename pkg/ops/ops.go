// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops is the front-end of the kernel generator: it parses the operator descriptors (shape, dtype,
// original shape and format) into a typed configuration per operator kind, and lowers it to a
// kernel.Program.
//
// Example:
//
//	program, err := ops.BuildKernel(ops.OpAdd,
//		[]ops.TensorParams{{Shape: []int{4, 1}, DType: "float32"}, {Shape: []int{1, 3}, DType: "float32"}},
//		ops.TensorParams{}, "add")
package ops

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilegen/pkg/core/errs"
)

// OpKind is the operator being lowered.
type OpKind int

const (
	// OpAdd is the broadcast elementwise addition.
	OpAdd OpKind = iota

	// OpConv2D is the 2D convolution, on blocked feature maps.
	OpConv2D

	// OpMatmul is the dense matrix multiplication, on blocked matrices.
	OpMatmul
)

var opKindNames = map[OpKind]string{
	OpAdd:    "add",
	OpConv2D: "conv2d",
	OpMatmul: "matmul",
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if name, found := opKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind converts an operator name to OpKind. Names are case-insensitive, and the "_tik" suffix of
// the hand-written kernels is accepted ("conv2d_tik", "matmul_tik").
func ParseOpKind(name string) (OpKind, error) {
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "_tik")
	for kind, kindName := range opKindNames {
		if kindName == normalized {
			return kind, nil
		}
	}
	return 0, errs.Errorf(errs.LoweringError, name, "unknown operator %q, known operators are add, conv2d and matmul", name)
}

// Format is the layout of the original (framework) shape of a tensor.
type Format int

const (
	FormatNCHW Format = iota
	FormatNHWC
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatNCHW:
		return "NCHW"
	case FormatNHWC:
		return "NHWC"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat converts "NCHW" or "NHWC" (case-insensitive) to a Format. An empty string is NCHW.
func ParseFormat(name string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "NCHW":
		return FormatNCHW, nil
	case "NHWC":
		return FormatNHWC, nil
	}
	return 0, errs.Errorf(errs.ShapeMismatch, name, "unsupported format %q, only NCHW and NHWC are supported", name)
}

// TensorParams is the descriptor of an operator input or output, as given by the framework.
type TensorParams struct {
	// Shape of the tensor as laid out in global memory.
	Shape []int `yaml:"shape,omitempty"`

	// OriShape is the shape in the framework, in OriFormat.
	OriShape []int `yaml:"ori_shape,omitempty"`

	// DType name: "float16", "float32", "int8", "int32", ...
	DType string `yaml:"dtype,omitempty"`

	// OriFormat is the layout of OriShape: "NCHW" or "NHWC".
	OriFormat string `yaml:"ori_format,omitempty"`
}

// String implements fmt.Stringer.
func (t TensorParams) String() string {
	s := fmt.Sprintf("%s%v", t.DType, t.Shape)
	if len(t.OriShape) > 0 {
		s += fmt.Sprintf(" (ori %s%v)", t.OriFormat, t.OriShape)
	}
	return s
}
