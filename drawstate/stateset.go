package drawstate

import (
	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/geometry"
	"github.com/cadrgo/cadr/internal/threadguard"
)

// drawableEntry is one slot of a StateSet's drawable vector: the
// Drawable back-pointer paired with the GPU record the indirect-draw
// compute pass consumes, plus the geometry memory the record points
// into (so Attach can tell a patch-in-place from a move).
type drawableEntry struct {
	d   *Drawable
	gpu DrawableGpuData
	mem *geometry.Memory
}

// RecordFunc is a user callback invoked at record time to emit raw
// commands (push constants and the like) before a state set's draws.
type RecordFunc func(cb driver.CmdBuffer)

type recordCall struct {
	id int
	fn RecordFunc
}

// StateSet is a node in the draw-state tree: a pipeline binding,
// descriptor-set bindings with dynamic offsets, a drawable vector, and
// parent/child edges in the DAG of state sets.
type StateSet struct {
	guard threadguard.Guard

	pipeline  driver.Pipeline
	descTable driver.DescTable
	descStart int
	dynOff    []int64

	drawables []drawableEntry
	parents   []*StateSet
	children  []*StateSet

	recordCalls []recordCall
	nextCallID  int

	// Per-frame build state: skip marks empty subtrees;
	// firstIndirect is this node's slot range in the shared
	// indirect-draw buffer; gpuAlloc is the device-visible copy of the
	// DrawableGpuData vector, refreshed through staging when gpuDirty.
	skip          bool
	firstIndirect int
	gpuDirty      bool
	gpuAlloc      *data.Allocation
}

// NewStateSet creates an empty state set.
func NewStateSet() *StateSet { return &StateSet{} }

// SetPipeline binds p as the pipeline used by this node's draws.
// Children that leave their own pipeline nil inherit it during the
// record walk.
func (s *StateSet) SetPipeline(p driver.Pipeline) {
	s.guard.Check()
	s.pipeline = p
}

// SetDescTable binds a descriptor table with dynamic offsets, bound at
// heap slot start during recording.
func (s *StateSet) SetDescTable(t driver.DescTable, start int, dynOff []int64) {
	s.guard.Check()
	s.descTable = t
	s.descStart = start
	s.dynOff = dynOff
}

// AddChild appends child to this node's child list (visited in
// insertion order) and records the back edge.
func (s *StateSet) AddChild(child *StateSet) {
	s.guard.Check()
	s.children = append(s.children, child)
	child.parents = append(child.parents, s)
}

// RemoveChild severs both edges between s and child.
func (s *StateSet) RemoveChild(child *StateSet) {
	s.guard.Check()
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
	for i, p := range child.parents {
		if p == s {
			child.parents = append(child.parents[:i], child.parents[i+1:]...)
			break
		}
	}
}

// AddRecordCall registers fn to run at record time before this node's
// draws, returning an id for RemoveRecordCall.
func (s *StateSet) AddRecordCall(fn RecordFunc) int {
	s.guard.Check()
	s.nextCallID++
	s.recordCalls = append(s.recordCalls, recordCall{id: s.nextCallID, fn: fn})
	return s.nextCallID
}

// RemoveRecordCall unregisters a record callback by id.
func (s *StateSet) RemoveRecordCall(id int) {
	s.guard.Check()
	for i, c := range s.recordCalls {
		if c.id == id {
			s.recordCalls = append(s.recordCalls[:i], s.recordCalls[i+1:]...)
			return
		}
	}
}

// NumDrawables returns the length of the drawable vector.
func (s *StateSet) NumDrawables() int { return len(s.drawables) }

// addDrawable appends d and records its back-index.
func (s *StateSet) addDrawable(d *Drawable) {
	s.guard.Check()
	d.stateSet = s
	d.index = uint32(len(s.drawables))
	s.drawables = append(s.drawables, drawableEntry{d: d, gpu: d.gpuData(), mem: d.geom.alloc.Memory()})
	s.gpuDirty = true
}

// removeDrawable swaps the tail entry into d's slot, updates the
// swapped Drawable's back-index and pops the vector.
func (s *StateSet) removeDrawable(d *Drawable) {
	s.guard.Check()
	i := d.index
	if i == noIndex || s.drawables[i].d != d {
		panic("drawstate: removeDrawable on a drawable the state set does not hold")
	}
	last := len(s.drawables) - 1
	if int(i) != last {
		s.drawables[i] = s.drawables[last]
		s.drawables[i].d.index = i
	}
	s.drawables = s.drawables[:last]
	d.stateSet = nil
	d.index = noIndex
	s.gpuDirty = true
}
