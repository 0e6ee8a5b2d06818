// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/core/shapes"
	"github.com/gomlx/tilegen/pkg/hardware"
	"k8s.io/klog/v2"
)

// Builder emits a Program.
//
// The emission methods panic (with an *errs.Error) on failure, the way graph building is done: wrap
// the emission code with Emit, or with exceptions.TryCatch, to convert it to an error. No partial
// Program is ever returned.
type Builder struct {
	profile *hardware.Profile
	name    string

	tensors         []*Tensor
	names           map[string]*Tensor
	inputs, outputs []*Tensor

	arenas map[hardware.Tier]*arena

	// body is where statements are currently appended, loops the stack of enclosing loops.
	body  *[]Stmt
	root  []Stmt
	loops []*Loop

	nextVarID int
	cores     int
	built     bool
}

// NewBuilder creates a Builder for a kernel with the given name, targeting profile.
func NewBuilder(profile *hardware.Profile, name string) *Builder {
	b := &Builder{
		profile: profile,
		name:    name,
		names:   make(map[string]*Tensor),
		arenas: map[hardware.Tier]*arena{
			hardware.Staging:     newArena(profile, hardware.Staging),
			hardware.Accumulator: newArena(profile, hardware.Accumulator),
		},
		cores: 1,
	}
	b.body = &b.root
	return b
}

// Emit creates a Builder, calls fn to emit the kernel body, and builds the Program.
//
// Failures raised by fn (panics with an error) are returned as errors: errors without an errs.Kind
// are reported as errs.LoweringError.
func Emit(profile *hardware.Profile, name string, fn func(b *Builder)) (*Program, error) {
	b := NewBuilder(profile, name)
	err := exceptions.TryCatch[error](func() { fn(b) })
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			err = errs.Wrapf(err, errs.LoweringError, name, "emitting kernel %q", name)
		}
		return nil, err
	}
	return b.Build()
}

// Profile returns the hardware profile the kernel targets.
func (b *Builder) Profile() *hardware.Profile { return b.profile }

// Name of the kernel being built.
func (b *Builder) Name() string { return b.name }

func (b *Builder) assertNotBuilt() {
	if b.built {
		exceptions.Panicf("kernel.Builder(%q) already built, it can't be changed", b.name)
	}
}

// newTensor declares a tensor, checking its name is unique and its shape valid.
func (b *Builder) newTensor(name string, tier hardware.Tier, shape shapes.Shape, instances int) *Tensor {
	b.assertNotBuilt()
	if _, found := b.names[name]; found || name == "" {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: tensor name %q is empty or already declared", b.name, name))
	}
	if _, err := shapes.FromDimensions(shape.DType, shape.Dimensions); err != nil || !shape.Ok() {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: invalid shape %s for tensor %q", b.name, shape, name))
	}
	if err := shape.CheckSize(b.profile.MaxElements); err != nil {
		panic(err)
	}
	if instances < 1 {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: tensor %q must have >= 1 instances, got %d",
			b.name, name, instances))
	}
	t := &Tensor{
		Name:      name,
		Shape:     shape.Clone(),
		Tier:      tier,
		Instances: instances,
		Address:   -1,
		builder:   b,
	}
	b.tensors = append(b.tensors, t)
	b.names[name] = t
	return t
}

// Global declares a global memory tensor that is neither input nor output: e.g. a workspace.
func (b *Builder) Global(name string, shape shapes.Shape) *Tensor {
	return b.newTensor(name, hardware.Global, shape, 1)
}

// Input declares a global memory tensor passed as input to the kernel.
func (b *Builder) Input(name string, shape shapes.Shape) *Tensor {
	t := b.Global(name, shape)
	b.inputs = append(b.inputs, t)
	return t
}

// Output declares a global memory tensor written by the kernel.
func (b *Builder) Output(name string, shape shapes.Shape) *Tensor {
	t := b.Global(name, shape)
	b.outputs = append(b.outputs, t)
	return t
}

// currentLoop returns the innermost enclosing loop, or nil.
func (b *Builder) currentLoop() *Loop {
	if len(b.loops) == 0 {
		return nil
	}
	return b.loops[len(b.loops)-1]
}

// Alloc declares an on-chip buffer in the current loop body, with as many instances as the buffering
// depth of the enclosing loop (1 at the top level).
//
// It panics with errs.BufferOverflow if the buffer doesn't fit the tier capacity.
func (b *Builder) Alloc(name string, tier hardware.Tier, shape shapes.Shape) *Tensor {
	instances := 1
	if loop := b.currentLoop(); loop != nil {
		instances = loop.Depth
	}
	return b.AllocInstances(name, tier, shape, instances)
}

// AllocInstances declares an on-chip buffer in the current loop body with an explicit number of instances.
// Validation requires the number of instances to match the depth of the enclosing loop.
func (b *Builder) AllocInstances(name string, tier hardware.Tier, shape shapes.Shape, instances int) *Tensor {
	a, found := b.arenas[tier]
	if !found {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: can't allocate %q in the %s tier", b.name, name, tier))
	}
	t := b.newTensor(name, tier, shape, instances)
	var err error
	t.Address, t.InstanceBytes, err = a.alloc(name, t.Shape.Memory(), instances)
	if err != nil {
		panic(err)
	}
	t.owner = b.currentLoop()
	*b.body = append(*b.body, &Alloc{Tensor: t})
	klog.V(2).Infof("kernel %q: %s", b.name, t.Describe())
	return t
}

// Loop emits a serial loop over [0, extent), with the given buffering depth, calling body to emit the
// loop body. Buffers allocated in body are released at the end of it.
func (b *Builder) Loop(name string, extent, depth int, body func(v *Var)) {
	b.loop(name, Serial, extent, depth, body)
}

// CoreLoop emits the core loop: iteration i runs on core i. It must be at the top level, and there can be
// only one. It uses every core of the profile.
func (b *Builder) CoreLoop(name string, body func(core *Var)) {
	if len(b.loops) != 0 || b.hasCoreLoop() {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: the core loop must be unique and at the top level", b.name))
	}
	b.cores = b.profile.Cores
	b.loop(name, CoreParallel, b.profile.Cores, 1, body)
}

func (b *Builder) hasCoreLoop() bool {
	for _, stmt := range b.root {
		if l, ok := stmt.(*Loop); ok && l.Kind == CoreParallel {
			return true
		}
	}
	return false
}

func (b *Builder) loop(name string, kind LoopKind, extent, depth int, body func(v *Var)) {
	b.assertNotBuilt()
	if extent < 1 || depth < 1 {
		panic(errs.Errorf(errs.LoweringError, name, "kernel %q: loop %q must have extent >= 1 and depth >= 1, got %d and %d",
			b.name, name, extent, depth))
	}
	v := &Var{Name: name, Extent: extent, id: b.nextVarID}
	b.nextVarID++
	l := &Loop{Var: v, Kind: kind, Depth: depth}
	*b.body = append(*b.body, l)

	parentBody := b.body
	marks := make(map[hardware.Tier]int, len(b.arenas))
	for tier, a := range b.arenas {
		marks[tier] = a.mark()
	}
	b.body = &l.Body
	b.loops = append(b.loops, l)
	defer func() {
		b.loops = b.loops[:len(b.loops)-1]
		b.body = parentBody
		for tier, a := range b.arenas {
			a.release(marks[tier])
		}
	}()
	body(v)
}

// If emits a conditional: then is emitted for the statements executed when cond holds, otherwise
// (which can be nil) for the others. Buffers can't be allocated inside the branches.
func (b *Builder) If(cond Cond, then, otherwise func()) {
	b.assertNotBuilt()
	stmt := &If{Cond: cond}
	*b.body = append(*b.body, stmt)
	parentBody := b.body
	defer func() { b.body = parentBody }()
	b.body = &stmt.Then
	then()
	if otherwise != nil {
		b.body = &stmt.Else
		otherwise()
	}
}

// Move emits a data transfer.
func (b *Builder) Move(op MovementOp) {
	b.assertNotBuilt()
	if op.Quantize.Mode != QuantizeNone {
		panic(errs.Errorf(errs.LoweringError, op.String(), "kernel %q: only write-backs can quantize", b.name))
	}
	*b.body = append(*b.body, &Move{MovementOp: op})
}

// WriteBack emits the transfer of an accumulator tile to global memory, applying op.Quantize.
func (b *Builder) WriteBack(op MovementOp) {
	b.assertNotBuilt()
	if op.Src.Tensor == nil || op.Src.Tensor.Tier != hardware.Accumulator {
		panic(errs.Errorf(errs.LoweringError, op.String(), "kernel %q: write-back must read from the accumulator", b.name))
	}
	*b.body = append(*b.body, &Move{MovementOp: op})
}

// Matmul emits a tile multiplication. See Matmul for the layouts.
func (b *Builder) Matmul(op Matmul) {
	b.assertNotBuilt()
	*b.body = append(*b.body, &op)
}

// Conv2D emits a convolution of one channel tile.
func (b *Builder) Conv2D(op Conv2D) {
	b.assertNotBuilt()
	*b.body = append(*b.body, &op)
}

// Elementwise emits a broadcast elementwise operation.
func (b *Builder) Elementwise(op Elementwise) {
	b.assertNotBuilt()
	*b.body = append(*b.body, &op)
}

// Build validates and returns the Program. The Builder can't be used after that.
func (b *Builder) Build() (*Program, error) {
	b.assertNotBuilt()
	if len(b.loops) != 0 {
		return nil, errs.Errorf(errs.LoweringError, b.name, "kernel %q: Build called inside a loop body", b.name)
	}
	p := &Program{
		Name:            b.name,
		Profile:         b.profile,
		Tensors:         b.tensors,
		Inputs:          b.inputs,
		Outputs:         b.outputs,
		Body:            b.root,
		Cores:           b.cores,
		StagingPeak:     b.arenas[hardware.Staging].peak,
		AccumulatorPeak: b.arenas[hardware.Accumulator].peak,
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	b.built = true
	klog.V(1).Infof("kernel %q built: %d tensors, %d loops, staging peak %d bytes, accumulator peak %d bytes",
		p.Name, len(p.Tensors), len(p.Loops()), p.StagingPeak, p.AccumulatorPeak)
	return p, nil
}
