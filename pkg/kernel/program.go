// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines the lowered kernel Program (declared tensors, loop nest with core and pipeline
// annotations, data movement and compute instructions) and the Builder used to emit it.
//
// A Program is closed: every tensor it references is declared in it, either as a global input/output or as an
// on-chip buffer allocated in the body of a loop. Programs are validated when built, and are immutable after.
//
// The Program is what gets handed to the external compiler. Walk evaluates the loop nest into concrete
// per-core instructions, which is what pkg/sim executes.
package kernel

import (
	"github.com/gomlx/tilegen/pkg/hardware"
)

// Stmt is a statement of a Program body. It is one of *Loop, *Alloc, *If, *Move, *Matmul, *Conv2D or *Elementwise.
type Stmt interface {
	isStmt()
}

// LoopKind distinguishes the core loop, whose iterations run each on its own core, from serial loops.
type LoopKind int

const (
	// Serial loop: iterations run in order on the same core.
	Serial LoopKind = iota

	// CoreParallel loop: iteration i runs on core i.
	CoreParallel
)

// Loop over Var in [0, Var.Extent).
type Loop struct {
	Var  *Var
	Kind LoopKind

	// Depth is the buffering depth: 1 means no overlap, d > 1 means the data movement of up to d iterations
	// can be in flight while the current one computes. Every buffer allocated directly in the body of a
	// loop has Depth instances.
	Depth int

	Body []Stmt
}

// Pipelined returns whether the loop has buffering depth > 1.
func (l *Loop) Pipelined() bool { return l.Depth > 1 }

// Alloc declares an on-chip buffer, scoped to the body that contains it.
type Alloc struct {
	Tensor *Tensor
}

// If executes Then if Cond holds, otherwise Else.
type If struct {
	Cond       Cond
	Then, Else []Stmt
}

// Move executes a MovementOp.
type Move struct {
	MovementOp
}

// Matmul multiplies tiles in the blocked layouts:
//
//	A: [K/K0, M, K0] (staging)   B: [K/K0, N, K0] (staging)   Dst: [N/16, M, 16] (accumulator)
//
// Dst[n1, m, n0] = Σ_k A[k/K0, m, k%K0] * B[k/K0, n1*16+n0, k%K0], overwriting Dst if Init, otherwise
// adding to it.
type Matmul struct {
	Dst, A, B Region
	M, K, N   int
	K0        int
	Init      bool
}

// Conv2D computes one channel tile of a convolution, for one sample, directly into the accumulator:
//
//	FeatureMap: [C1, H, W, C0] (staging)
//	Weight:     [C1, KH, KW, Cout, C0] (staging), Cout being the channel tile
//	Dst:        [Cout/16, RoundHoWo, 16] (accumulator), rows >= Ho*Wo are left untouched.
type Conv2D struct {
	Dst, FeatureMap, Weight Region
	Geometry                ConvGeometry
}

// ConvGeometry holds the extents of a Conv2D instruction.
type ConvGeometry struct {
	C1, H, W, C0         int
	KH, KW, Cout         int
	StrideH, StrideW     int
	DilationH, DilationW int
	PadTop, PadLeft      int
	Ho, Wo, RoundHoWo    int
}

// ElementwiseOp is the operation of an Elementwise statement.
type ElementwiseOp int

const (
	// ElementwiseAdd adds the broadcast operands.
	ElementwiseAdd ElementwiseOp = iota
)

// String implements fmt.Stringer.
func (op ElementwiseOp) String() string {
	if op == ElementwiseAdd {
		return "add"
	}
	return "unknown"
}

// Elementwise applies a binary operation with broadcasting: X and Y have shapes XDims and YDims, of the
// same rank as OutDims, with dimensions either equal to the output's or 1.
//
// The vector body is generated by the external compiler; here it only carries the reconciled shapes.
type Elementwise struct {
	Op                    ElementwiseOp
	Dst, X, Y             Region
	OutDims, XDims, YDims []int
}

func (*Loop) isStmt()        {}
func (*Alloc) isStmt()       {}
func (*If) isStmt()          {}
func (*Move) isStmt()        {}
func (*Matmul) isStmt()      {}
func (*Conv2D) isStmt()      {}
func (*Elementwise) isStmt() {}

// Program is a closed, validated kernel.
type Program struct {
	Name    string
	Profile *hardware.Profile

	// Tensors lists all declared tensors, in declaration order.
	Tensors []*Tensor

	// Inputs and Outputs are the global tensors passed to the kernel, in order.
	Inputs, Outputs []*Tensor

	Body []Stmt

	// Cores is the number of cores used: the extent of the core loop, or 1 if there is none.
	Cores int

	// StagingPeak and AccumulatorPeak are the largest number of bytes in use at any point, per core.
	StagingPeak, AccumulatorPeak int
}

// Tensor returns the declared tensor with the given name, or nil.
func (p *Program) Tensor(name string) *Tensor {
	for _, t := range p.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Loops returns all loops of the program, in depth-first order.
func (p *Program) Loops() []*Loop {
	var loops []*Loop
	var visit func(body []Stmt)
	visit = func(body []Stmt) {
		for _, stmt := range body {
			switch s := stmt.(type) {
			case *Loop:
				loops = append(loops, s)
				visit(s.Body)
			case *If:
				visit(s.Then)
				visit(s.Else)
			}
		}
	}
	visit(p.Body)
	return loops
}
