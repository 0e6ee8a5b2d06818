// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegen/pkg/hardware"
)

// String pretty-prints the program as a listing. The output is deterministic.
func (p *Program) String() string {
	var sb strings.Builder
	names := func(tensors []*Tensor) string {
		parts := make([]string, len(tensors))
		for i, t := range tensors {
			parts[i] = t.Name
		}
		return strings.Join(parts, ", ")
	}
	_, _ = fmt.Fprintf(&sb, "kernel %s(inputs: %s; outputs: %s) on %d core(s)\n",
		p.Name, names(p.Inputs), names(p.Outputs), p.Cores)
	for _, t := range p.Tensors {
		if t.Tier == hardware.Global {
			_, _ = fmt.Fprintf(&sb, "  %s\n", t.Describe())
		}
	}
	printBody(&sb, p.Body, 1)
	return sb.String()
}

func printBody(sb *strings.Builder, body []Stmt, level int) {
	indent := strings.Repeat("  ", level)
	for _, stmt := range body {
		switch s := stmt.(type) {
		case *Loop:
			var annotation string
			if s.Kind == CoreParallel {
				annotation = " @cores"
			} else if s.Pipelined() {
				annotation = fmt.Sprintf(" @pipeline(%d)", s.Depth)
			}
			_, _ = fmt.Fprintf(sb, "%sfor %s in [0, %d)%s:\n", indent, s.Var.Name, s.Var.Extent, annotation)
			printBody(sb, s.Body, level+1)
		case *Alloc:
			_, _ = fmt.Fprintf(sb, "%salloc %s\n", indent, s.Tensor.Describe())
		case *If:
			_, _ = fmt.Fprintf(sb, "%sif %s:\n", indent, s.Cond)
			printBody(sb, s.Then, level+1)
			if len(s.Else) > 0 {
				_, _ = fmt.Fprintf(sb, "%selse:\n", indent)
				printBody(sb, s.Else, level+1)
			}
		case *Move:
			verb := "move"
			if s.Src.Tensor.Tier == hardware.Accumulator {
				verb = "write_back"
			}
			_, _ = fmt.Fprintf(sb, "%s%s %s\n", indent, verb, s.MovementOp)
		case *Matmul:
			mode := "accumulate"
			if s.Init {
				mode = "init"
			}
			_, _ = fmt.Fprintf(sb, "%smatmul(%s) %s <- %s x %s: m=%d, k=%d, n=%d\n",
				indent, mode, s.Dst, s.A, s.B, s.M, s.K, s.N)
		case *Conv2D:
			g := s.Geometry
			_, _ = fmt.Fprintf(sb, "%sconv2d %s <- %s * %s: kernel=%dx%d, stride=%dx%d, dilation=%dx%d, out=%dx%d, cout=%d\n",
				indent, s.Dst, s.FeatureMap, s.Weight, g.KH, g.KW, g.StrideH, g.StrideW, g.DilationH, g.DilationW,
				g.Ho, g.Wo, g.Cout)
		case *Elementwise:
			_, _ = fmt.Fprintf(sb, "%s%s %s%v <- %s%v, %s%v\n", indent, s.Op, s.Dst, s.OutDims, s.X, s.XDims, s.Y, s.YDims)
		}
	}
}

// Summary of a program, for reporting.
type Summary struct {
	Name                         string
	Cores                        int
	Inputs, Outputs, Buffers     int
	Loops, PipelinedLoops        int
	Moves, WriteBacks, Computes  int
	StagingPeak, AccumulatorPeak int
}

// Summary returns the static counts of the program.
func (p *Program) Summary() Summary {
	s := Summary{
		Name:            p.Name,
		Cores:           p.Cores,
		Inputs:          len(p.Inputs),
		Outputs:         len(p.Outputs),
		StagingPeak:     p.StagingPeak,
		AccumulatorPeak: p.AccumulatorPeak,
	}
	var visit func(body []Stmt)
	visit = func(body []Stmt) {
		for _, stmt := range body {
			switch st := stmt.(type) {
			case *Loop:
				s.Loops++
				if st.Pipelined() {
					s.PipelinedLoops++
				}
				visit(st.Body)
			case *Alloc:
				s.Buffers++
			case *If:
				visit(st.Then)
				visit(st.Else)
			case *Move:
				if st.Src.Tensor.Tier == hardware.Accumulator {
					s.WriteBacks++
				} else {
					s.Moves++
				}
			default:
				s.Computes++
			}
		}
	}
	visit(p.Body)
	return s
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("%s: %d core(s), %d loops (%d pipelined), %d buffers, %d moves, %d write-backs, %d computes, "+
		"staging %s, accumulator %s", s.Name, s.Cores, s.Loops, s.PipelinedLoops, s.Buffers, s.Moves, s.WriteBacks,
		s.Computes, humanize.IBytes(uint64(s.StagingPeak)), humanize.IBytes(uint64(s.AccumulatorPeak)))
}
