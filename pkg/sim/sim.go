// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sim executes a kernel.Program on a functional model of the accelerator, to check lowerings
// numerically against a reference.
//
// Each core has its own private staging and accumulator memories. Global inputs are shared and read-only,
// and the writes of each core to the global outputs are kept privately and merged at the end: two cores
// writing the same output element is an error. Values are stored as float64, rounded to the dtype of the
// tensor they are written to (float16 rounding uses github.com/x448/float16).
//
// The simulator also checks the buffer instances of pipelined loops: reading an instance that was not
// written in the current iteration of the loop that allocated it is reported as a hazard.
package sim

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilegen/internal/workerspool"
	"github.com/gomlx/tilegen/pkg/core/errs"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/gomlx/tilegen/pkg/kernel"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Options of a simulation.
type Options struct {
	// Parallelism is the maximum number of cores simulated concurrently: 0 simulates them sequentially,
	// a negative value means no limit.
	Parallelism int

	// OnCoreDone, if set, is called after each core finishes. It may be called concurrently.
	OnCoreDone func(core int)
}

// CoreStats are the counters of the instructions executed by one core.
type CoreStats struct {
	Instructions int
	Moves        int
	WriteBacks   int
	Computes     int

	// BlocksMoved counts the transfer blocks of all Moves and WriteBacks.
	BlocksMoved int
}

func (s *CoreStats) add(s2 CoreStats) {
	s.Instructions += s2.Instructions
	s.Moves += s2.Moves
	s.WriteBacks += s2.WriteBacks
	s.Computes += s2.Computes
	s.BlocksMoved += s2.BlocksMoved
}

// String implements fmt.Stringer.
func (s CoreStats) String() string {
	return fmt.Sprintf("%d instructions: %d moves, %d write-backs, %d computes, %d blocks moved",
		s.Instructions, s.Moves, s.WriteBacks, s.Computes, s.BlocksMoved)
}

// Result of a simulation.
type Result struct {
	// Outputs holds the values of the global outputs, by name, flat in their layout.
	Outputs map[string][]float64

	// Unwritten counts, per output, the elements no core wrote.
	Unwritten map[string]int

	// Cores holds the statistics of each core, and Total their sum.
	Cores []CoreStats
	Total CoreStats
}

// Round returns v rounded to the values representable by dtype. Integer dtypes round to the nearest and
// saturate.
func Round(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Int32:
		return saturate(math.RoundToEven(v), math.MinInt32, math.MaxInt32)
	case dtypes.Int8:
		return saturate(math.RoundToEven(v), math.MinInt8, math.MaxInt8)
	case dtypes.Uint8:
		return saturate(math.RoundToEven(v), 0, math.MaxUint8)
	}
	return v
}

func saturate(v, minValue, maxValue float64) float64 {
	return math.Max(minValue, math.Min(maxValue, v))
}

// Run simulates the program on the given inputs, indexed by name and flat in the layout of the global tensors.
//
// Input values are first rounded to the dtype of their tensor. It returns an errs.ShapeMismatch error for
// missing or mis-sized inputs, and an errs.LoweringError for hazards and overlapping writes.
func Run(p *kernel.Program, inputs map[string][]float64, opts Options) (*Result, error) {
	s := &simulation{program: p, inputs: make(map[*kernel.Tensor][]float64, len(p.Inputs))}
	for _, t := range p.Inputs {
		values, found := inputs[t.Name]
		if !found {
			return nil, errs.Errorf(errs.ShapeMismatch, t.Name, "kernel %q: missing input %q", p.Name, t.Name)
		}
		if len(values) != t.Size() {
			return nil, errs.Errorf(errs.ShapeMismatch, []int{len(values), t.Size()},
				"kernel %q: input %q has %d values, its shape %s has %d elements", p.Name, t.Name, len(values),
				t.Shape, t.Size())
		}
		rounded := make([]float64, len(values))
		for i, v := range values {
			rounded[i] = Round(t.Shape.DType, v)
		}
		s.inputs[t] = rounded
	}
	for name := range inputs {
		if !slices.ContainsFunc(p.Inputs, func(t *kernel.Tensor) bool { return t.Name == name }) {
			return nil, errs.Errorf(errs.ShapeMismatch, name, "kernel %q has no input %q", p.Name, name)
		}
	}

	cores := make([]*coreState, p.Cores)
	pool := workerspool.New()
	pool.SetMaxParallelism(opts.Parallelism)
	err := pool.Run(p.Cores, func(core int) error {
		c := newCoreState(s, core)
		cores[core] = c
		if err := kernel.WalkCore(p, core, c.execute); err != nil {
			return err
		}
		if opts.OnCoreDone != nil {
			opts.OnCoreDone(core)
		}
		klog.V(2).Infof("sim %q: core %d done, %s", p.Name, core, c.stats)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.merge(cores)
}

// simulation holds the state shared by the cores.
type simulation struct {
	program *kernel.Program
	inputs  map[*kernel.Tensor][]float64
}

// merge the private global writes of the cores.
func (s *simulation) merge(cores []*coreState) (*Result, error) {
	p := s.program
	result := &Result{
		Outputs:   make(map[string][]float64, len(p.Outputs)),
		Unwritten: make(map[string]int, len(p.Outputs)),
		Cores:     make([]CoreStats, len(cores)),
	}
	for _, t := range p.Outputs {
		values := make([]float64, t.Size())
		writer := make([]int, t.Size())
		for i := range writer {
			writer[i] = -1
		}
		for _, c := range cores {
			written := c.written[t]
			for i, ok := range written {
				if !ok {
					continue
				}
				if writer[i] >= 0 {
					return nil, errs.Errorf(errs.LoweringError, i,
						"kernel %q: cores %d and %d both write element %d of %q", p.Name, writer[i], c.core, i, t.Name)
				}
				writer[i] = c.core
				values[i] = c.globals[t][i]
			}
		}
		unwritten := 0
		for _, w := range writer {
			if w < 0 {
				unwritten++
			}
		}
		if unwritten > 0 {
			klog.Warningf("kernel %q: %d elements of output %q were not written", p.Name, unwritten, t.Name)
		}
		result.Outputs[t.Name] = values
		result.Unwritten[t.Name] = unwritten
	}
	for i, c := range cores {
		result.Cores[i] = c.stats
		result.Total.add(c.stats)
	}
	return result, nil
}

// stamp identifies the iteration of the owner loop of a buffer in which an instance was last written.
type stamp struct {
	valid   bool
	indices []int
}

// coreState is the private memory of a core.
type coreState struct {
	sim  *simulation
	core int

	onChip map[*kernel.Tensor][][]float64
	stamps map[*kernel.Tensor][]stamp

	// globals holds the core's writes to global tensors that are not inputs.
	globals map[*kernel.Tensor][]float64
	written map[*kernel.Tensor][]bool

	stats CoreStats
}

func newCoreState(s *simulation, core int) *coreState {
	return &coreState{
		sim:     s,
		core:    core,
		onChip:  make(map[*kernel.Tensor][][]float64),
		stamps:  make(map[*kernel.Tensor][]stamp),
		globals: make(map[*kernel.Tensor][]float64),
		written: make(map[*kernel.Tensor][]bool),
	}
}

// memory returns the storage of the instance of the tensor at loc.
func (c *coreState) memory(loc kernel.Location) []float64 {
	t := loc.Tensor
	if t.Tier == hardware.Global {
		if values, found := c.sim.inputs[t]; found {
			return values
		}
		values, found := c.globals[t]
		if !found {
			values = make([]float64, t.Size())
			c.globals[t] = values
			c.written[t] = make([]bool, t.Size())
		}
		return values
	}
	instances, found := c.onChip[t]
	if !found {
		instances = make([][]float64, t.Instances)
		for i := range instances {
			instances[i] = make([]float64, t.Size())
		}
		c.onChip[t] = instances
		c.stamps[t] = make([]stamp, t.Instances)
	}
	return instances[loc.Instance]
}

// ownerIndices returns the iteration indices of the loops enclosing the owner of t, owner included.
func ownerIndices(t *kernel.Tensor, step kernel.Step) []int {
	owner := t.Owner()
	if owner == nil {
		return nil
	}
	for i, it := range step.Loops {
		if it.Loop == owner {
			indices := make([]int, i+1)
			for j := range indices {
				indices[j] = step.Loops[j].Index
			}
			return indices
		}
	}
	return nil
}

// reading checks that an on-chip instance being read was written in the current iteration of its owner loop.
func (c *coreState) reading(loc kernel.Location, step kernel.Step) error {
	t := loc.Tensor
	if t.Tier == hardware.Global {
		return nil
	}
	c.memory(loc)
	st := c.stamps[t][loc.Instance]
	if !st.valid {
		return errs.Errorf(errs.LoweringError, t.Name, "kernel %q, core %d: %s instance %d read before it is written",
			c.sim.program.Name, c.core, t.Name, loc.Instance)
	}
	if current := ownerIndices(t, step); !slices.Equal(st.indices, current) {
		return errs.Errorf(errs.LoweringError, t.Name,
			"kernel %q, core %d: hazard on %s instance %d: written at iteration %v, read at iteration %v",
			c.sim.program.Name, c.core, t.Name, loc.Instance, st.indices, current)
	}
	return nil
}

// store writes a value to loc.Tensor at the element index, rounding it to the tensor dtype.
func (c *coreState) store(loc kernel.Location, index int, v float64) {
	mem := c.memory(loc)
	mem[index] = Round(loc.Tensor.Shape.DType, v)
	if loc.Tensor.Tier == hardware.Global {
		c.written[loc.Tensor][index] = true
	}
}

// wrote stamps an on-chip instance as written in the current iteration.
func (c *coreState) wrote(loc kernel.Location, step kernel.Step) {
	if loc.Tensor.Tier == hardware.Global {
		return
	}
	c.memory(loc)
	c.stamps[loc.Tensor][loc.Instance] = stamp{valid: true, indices: ownerIndices(loc.Tensor, step)}
}

func (c *coreState) execute(step kernel.Step) error {
	c.stats.Instructions++
	var err error
	switch inst := step.Instruction.(type) {
	case *kernel.MoveInstruction:
		err = c.move(inst, step)
	case *kernel.MatmulInstruction:
		c.stats.Computes++
		err = c.matmul(inst, step)
	case *kernel.Conv2DInstruction:
		c.stats.Computes++
		err = c.conv2D(inst, step)
	case *kernel.ElementwiseInstruction:
		c.stats.Computes++
		err = c.elementwise(inst, step)
	default:
		err = errors.Errorf("sim: unknown instruction %T", inst)
	}
	return err
}
