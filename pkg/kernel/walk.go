// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/pkg/errors"
)

// Location is a concrete position in a tensor: the buffer instance and the element offset within it.
type Location struct {
	Tensor   *Tensor
	Instance int
	Offset   int
}

// Instruction is a concrete instruction, with the loop variables resolved: one of *MoveInstruction,
// *MatmulInstruction, *Conv2DInstruction or *ElementwiseInstruction.
type Instruction interface {
	isInstruction()
}

// MoveInstruction is a concrete MovementOp.
type MoveInstruction struct {
	Stmt     *Move
	Src, Dst Location
}

// MatmulInstruction is a concrete Matmul.
type MatmulInstruction struct {
	Stmt       *Matmul
	Dst, A, B  Location
	Initialize bool
}

// Conv2DInstruction is a concrete Conv2D.
type Conv2DInstruction struct {
	Stmt                    *Conv2D
	Dst, FeatureMap, Weight Location
}

// ElementwiseInstruction is a concrete Elementwise.
type ElementwiseInstruction struct {
	Stmt      *Elementwise
	Dst, X, Y Location
}

func (*MoveInstruction) isInstruction()        {}
func (*MatmulInstruction) isInstruction()      {}
func (*Conv2DInstruction) isInstruction()      {}
func (*ElementwiseInstruction) isInstruction() {}

// LoopIteration is the current iteration of an enclosing loop.
type LoopIteration struct {
	Loop  *Loop
	Index int
}

// Step is one instruction executed by a core, with its loop context.
type Step struct {
	Core int

	// Loops are the enclosing loops, outermost first, and their current iteration.
	// The slice is reused by the walk: copy it if it is needed after the visitor returns.
	Loops []LoopIteration

	Instruction Instruction
}

// InnermostPipelined returns the innermost enclosing pipelined loop iteration, if any.
func (s Step) InnermostPipelined() (LoopIteration, bool) {
	for i := len(s.Loops) - 1; i >= 0; i-- {
		if s.Loops[i].Loop.Pipelined() {
			return s.Loops[i], true
		}
	}
	return LoopIteration{}, false
}

// WalkCore evaluates the loop nest of the program as executed by one core, calling visit for every
// instruction in execution order. The core loop takes only the iteration of the given core, and statements
// outside the core loop are executed by core 0 only.
//
// Walking stops at the first error returned by visit.
func WalkCore(p *Program, core int, visit func(step Step) error) error {
	if core < 0 || core >= p.Cores {
		return errors.Errorf("kernel %q: core %d out of range, the program uses %d cores", p.Name, core, p.Cores)
	}
	w := &walker{core: core, env: make(Env), visit: visit}
	return w.body(p.Body, false)
}

// Walk calls WalkCore for every core, in order.
func Walk(p *Program, visit func(step Step) error) error {
	for core := range p.Cores {
		if err := WalkCore(p, core, visit); err != nil {
			return err
		}
	}
	return nil
}

type walker struct {
	core  int
	env   Env
	loops []LoopIteration
	visit func(step Step) error
}

func (w *walker) location(r Region) Location {
	loc := Location{Tensor: r.Tensor, Offset: r.Offset.Eval(w.env)}
	if owner := r.Tensor.owner; owner != nil && r.Tensor.Instances > 1 {
		loc.Instance = w.env[owner.Var] % r.Tensor.Instances
	}
	return loc
}

func (w *walker) emit(inst Instruction) error {
	return w.visit(Step{Core: w.core, Loops: w.loops, Instruction: inst})
}

func (w *walker) body(stmts []Stmt, inCore bool) error {
	for _, stmt := range stmts {
		var err error
		switch s := stmt.(type) {
		case *Loop:
			err = w.loop(s, inCore)
		case *Alloc:
			// Allocation is static.
		case *If:
			if s.Cond.Eval(w.env) {
				err = w.body(s.Then, inCore)
			} else {
				err = w.body(s.Else, inCore)
			}
		default:
			if !inCore && w.core != 0 {
				continue
			}
			err = w.emit(w.instruction(stmt))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) instruction(stmt Stmt) Instruction {
	switch s := stmt.(type) {
	case *Move:
		return &MoveInstruction{Stmt: s, Src: w.location(s.Src), Dst: w.location(s.Dst)}
	case *Matmul:
		return &MatmulInstruction{Stmt: s, Dst: w.location(s.Dst), A: w.location(s.A), B: w.location(s.B),
			Initialize: s.Init}
	case *Conv2D:
		return &Conv2DInstruction{Stmt: s, Dst: w.location(s.Dst), FeatureMap: w.location(s.FeatureMap),
			Weight: w.location(s.Weight)}
	case *Elementwise:
		return &ElementwiseInstruction{Stmt: s, Dst: w.location(s.Dst), X: w.location(s.X), Y: w.location(s.Y)}
	}
	panic(errors.Errorf("kernel: unknown statement %T", stmt))
}

func (w *walker) loop(l *Loop, inCore bool) error {
	defer delete(w.env, l.Var)
	if l.Kind == CoreParallel {
		w.env[l.Var] = w.core
		w.loops = append(w.loops, LoopIteration{Loop: l, Index: w.core})
		defer func() { w.loops = w.loops[:len(w.loops)-1] }()
		return w.body(l.Body, true)
	}
	w.loops = append(w.loops, LoopIteration{Loop: l})
	defer func() { w.loops = w.loops[:len(w.loops)-1] }()
	for i := range l.Var.Extent {
		w.env[l.Var] = i
		w.loops[len(w.loops)-1].Index = i
		if err := w.body(l.Body, inCore); err != nil {
			return err
		}
	}
	return nil
}
