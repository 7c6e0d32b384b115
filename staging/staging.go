// Package staging implements the CPU-visible side of the upload
// pipeline: persistently mapped scratch memories, tiered by size and
// recycled on frame completion, feeding package data's device-local
// buffers.
package staging

import (
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/internal/threadguard"
)

// Tier is one of the four staging-size tiers.
type Tier int

const (
	Small Tier = iota
	Medium
	Large
	SuperSize
	numTiers
)

// TierSizes holds the byte size of a freshly created StagingMemory for
// each tier.
type TierSizes struct {
	Small, Medium, Large, SuperSize int64
}

// DefaultTierSizes returns typical defaults: small/medium/large mirror
// package data's DefaultSizeList, super-size doubles large.
func DefaultTierSizes() TierSizes {
	d := data.DefaultSizeList()
	return TierSizes{Small: d.Small, Medium: d.Medium, Large: d.Large, SuperSize: d.Large * 2}
}

// memory is a persistently mapped, host-coherent-or-host-cached
// buffer bump-allocated by offset cursor.
type memory struct {
	buf       driver.Buffer
	tier      Tier
	cursor    int64
	allocs    []*Allocation // attached, not-yet-recycled allocations
	inUse     bool
	lastFrame uint64
}

func (m *memory) room(size int64) bool { return m.cursor+size <= m.buf.Cap() }

func newMemory(gpu driver.GPU, tier Tier, size int64) (*memory, error) {
	buf, err := gpu.NewBuffer(size, true, false, driver.UTransferSrc)
	if err != nil {
		return nil, errors.Wrap(cadrerr.DriverFailure("staging: new buffer", err), "newMemory")
	}
	return &memory{buf: buf, tier: tier}, nil
}

// Allocation is a CPU-visible byte range paired with a copy target:
// either a data.Allocation or a raw buffer range.
type Allocation struct {
	mem       *memory
	off       int64
	size      int64
	refs      int
	needInit  bool
	target    *data.Allocation // nil for raw-buffer targets
	dstBuf    driver.Buffer
	targetOff uint64
	submitted bool
}

// Bytes returns the host-visible view of this staging allocation.
func (a *Allocation) Bytes() []byte { return a.mem.buf.Bytes()[a.off : a.off+a.size] }

// NeedInit reports whether this is the first use of the target
// allocation this frame, telling the caller it must supply all the
// data, not just a patch.
func (a *Allocation) NeedInit() bool { return a.needInit }

// Manager holds the four tiered available/in-use memory lists and the
// single submitted list feeding RecordUpload.
type Manager struct {
	guard     threadguard.Guard
	gpu       driver.GPU
	sizes     TierSizes
	available [numTiers][]*memory
	inUse     [numTiers][]*memory

	submitted []*Allocation

	frame                     uint64
	lastFrameBytesTransferred int64
	curFrameBytesAllocated    int64

	lastTouched *memory
}

// NewManager creates a Manager over gpu.
func NewManager(gpu driver.GPU, sizes TierSizes) *Manager {
	return &Manager{gpu: gpu, sizes: sizes}
}

// SetFrame advances the frame counter and resets the per-frame
// transfer accounting used by tier selection.
func (m *Manager) SetFrame(n uint64) {
	m.lastFrameBytesTransferred = m.curFrameBytesAllocated
	m.curFrameBytesAllocated = 0
	m.frame = n
}

// tierFor chooses a tier by comparing size and recent transfer
// volume: a light previous frame keeps small requests in the small
// tier; a heavy one escalates them so a burst of uploads doesn't
// starve the small tier's available list.
func (m *Manager) tierFor(size int64) Tier {
	heavy := m.lastFrameBytesTransferred > m.sizes.Medium
	switch {
	case size <= m.sizes.Small && !heavy:
		return Small
	case size <= m.sizes.Medium:
		return Medium
	case size <= m.sizes.Large:
		return Large
	default:
		return SuperSize
	}
}

func (m *Manager) tierSize(t Tier) int64 {
	switch t {
	case Small:
		return m.sizes.Small
	case Medium:
		return m.sizes.Medium
	case Large:
		return m.sizes.Large
	default:
		return m.sizes.SuperSize
	}
}

// acquire reuses the last-touched memory if it has room, else picks a
// tier and splices an available memory into in-use, or mints a new
// one.
func (m *Manager) acquire(size int64) (*memory, error) {
	if m.lastTouched != nil && m.lastTouched.room(size) {
		return m.lastTouched, nil
	}

	tier := m.tierFor(max64(size, 1))
	if n := len(m.available[tier]); n > 0 {
		mem := m.available[tier][n-1]
		m.available[tier] = m.available[tier][:n-1]
		m.inUse[tier] = append(m.inUse[tier], mem)
		mem.cursor = 0
		mem.inUse = true
		return mem, nil
	}

	mem, err := newMemory(m.gpu, tier, max64(size, m.tierSize(tier)))
	if err != nil {
		return nil, err
	}
	mem.inUse = true
	m.inUse[tier] = append(m.inUse[tier], mem)
	return mem, nil
}

// CreateStagingData returns scratch bytes whose copy target is
// target. If target already has staging attached, the same bytes are
// handed back with the reference count bumped. target must belong to
// the data.Storage this Manager was paired with; targetOff is target's
// offset inside its owning Memory's buffer.
func (m *Manager) CreateStagingData(target *data.Allocation, targetOff uint64) (*Allocation, error) {
	m.guard.Check()
	if h := target.Staging(); h != nil {
		sa := h.(*Allocation)
		sa.refs++
		sa.needInit = false
		return sa, nil
	}

	size := target.Size()
	mem, err := m.acquire(size)
	if err != nil {
		return nil, err
	}

	sa := &Allocation{mem: mem, off: mem.cursor, size: size, refs: 1, needInit: true, target: target, dstBuf: target.MemoryBuffer(), targetOff: targetOff}
	mem.cursor += size
	mem.allocs = append(mem.allocs, sa)
	m.lastTouched = mem
	m.curFrameBytesAllocated += size

	target.SetStaging(sa)
	return sa, nil
}

// CreateStagingBuffer reserves size scratch bytes whose copy target is
// a raw buffer range rather than a data.Allocation — the geometry and
// draw-state layers upload into GeometryMemory and indirect-draw
// buffers this way. The returned allocation has no attachment to reuse,
// so every call hands out fresh bytes with NeedInit set.
func (m *Manager) CreateStagingBuffer(dst driver.Buffer, dstOff, size int64) (*Allocation, error) {
	m.guard.Check()
	mem, err := m.acquire(size)
	if err != nil {
		return nil, err
	}

	sa := &Allocation{mem: mem, off: mem.cursor, size: size, refs: 1, needInit: true, dstBuf: dst, targetOff: uint64(dstOff)}
	mem.cursor += size
	mem.allocs = append(mem.allocs, sa)
	m.lastTouched = mem
	m.curFrameBytesAllocated += size
	return sa, nil
}

// Submit decrements the refcount, splicing the allocation onto the
// submitted list once it reaches zero. An allocation already on the
// submitted list stays where it is — a later
// CreateStagingData/Submit pair on the same
// target (the handle table patches its mirror this way several times
// per frame) must not enqueue a second copy of the same bytes.
func (m *Manager) Submit(a *Allocation) {
	m.guard.Check()
	a.refs--
	if a.refs > 0 || a.submitted {
		return
	}
	a.submitted = true
	m.submitted = append(m.submitted, a)
}

// TransferRecord is an opaque token tying a group of memories to the
// command buffer they were recorded against.
type TransferRecord struct {
	allocs []*Allocation
}

// RecordUpload walks the submitted list, emits one buffer-to-buffer
// copy per allocation onto cb, and returns the resulting
// TransferRecord. Copies of adjacent allocations could be coalesced
// into single commands; that is a packing optimization, not a
// correctness requirement.
func (m *Manager) RecordUpload(cb driver.CmdBuffer) *TransferRecord {
	m.guard.Check()
	rec := &TransferRecord{allocs: m.submitted}
	m.submitted = nil

	for _, a := range rec.allocs {
		cb.CopyBuffer(&driver.BufferCopy{
			From:    a.mem.buf,
			FromOff: a.off,
			To:      a.dstBuf,
			ToOff:   int64(a.targetOff),
			Size:    a.size,
		})
	}
	return rec
}

// UploadDone retires a completed transfer. Callers must invoke it in
// the same order RecordUpload returned records; each named memory is
// marked detachable and, once its last attached allocation is
// detached, spliced back to its tier's available list.
func (m *Manager) UploadDone(rec *TransferRecord) {
	m.guard.Check()
	touched := make(map[*memory]bool)
	for _, a := range rec.allocs {
		if a.target != nil {
			a.target.ClearStaging()
		}
		a.mem.detach(a)
		touched[a.mem] = true
	}
	for mem := range touched {
		if len(mem.allocs) == 0 {
			m.recycle(mem)
		}
	}
}

func (mem *memory) detach(a *Allocation) {
	for i, x := range mem.allocs {
		if x == a {
			mem.allocs = append(mem.allocs[:i], mem.allocs[i+1:]...)
			return
		}
	}
}

func (m *Manager) recycle(mem *memory) {
	lst := m.inUse[mem.tier]
	for i, x := range lst {
		if x == mem {
			m.inUse[mem.tier] = append(lst[:i], lst[i+1:]...)
			break
		}
	}
	mem.inUse = false
	mem.cursor = 0
	if m.lastTouched == mem {
		m.lastTouched = nil
	}
	m.available[mem.tier] = append(m.available[mem.tier], mem)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
