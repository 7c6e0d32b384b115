// Package data implements suballocation of device-local GPU buffers
// for opaque data blobs, using the two-block circular arena of package
// arena, tiered by size and cascading across at most two cached
// memories before minting a third.
package data

import (
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/arena"
	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/internal/threadguard"
)

// SizeList holds the small/medium/large tier byte sizes used to pick a
// Memory's size when one must be created. The tiering keeps the
// allocation count below driver memory-allocation caps for
// multi-gigabyte scenes.
type SizeList struct {
	Small, Medium, Large int64
}

// DefaultSizeList returns the typical tier sizes: 64 KiB / 2 MiB /
// 32 MiB.
func DefaultSizeList() SizeList {
	return SizeList{Small: 64 << 10, Medium: 2 << 20, Large: 32 << 20}
}

// zeroAlloc is the shared singleton returned for size-0 requests. It
// is never attached to any Memory and Free is a no-op on it.
var zeroAlloc = &Allocation{}

// Allocation is a contiguous byte range inside a Memory.
type Allocation struct {
	mem      *Memory
	rec      *arena.Record
	frame    uint64
	staging  any
	relocate arena.Relocate
	token    any
}

// Staging returns the opaque staging handle attached by package
// staging's CreateStagingData, or nil if none is attached.
func (a *Allocation) Staging() any { return a.staging }

// SetStaging attaches h as the allocation's staging handle.
func (a *Allocation) SetStaging(h any) { a.staging = h }

// ClearStaging detaches any staging handle; called on copy
// completion.
func (a *Allocation) ClearStaging() { a.staging = nil }

// Address returns the allocation's device address, or 0 for the
// zero-size singleton.
func (a *Allocation) Address() uint64 {
	if a.rec == nil {
		return 0
	}
	return a.mem.base + a.rec.Addr()
}

// Size returns the allocation's size in bytes.
func (a *Allocation) Size() int64 {
	if a.rec == nil {
		return 0
	}
	return int64(a.rec.Size())
}

// Frame returns the frame number the allocation was stamped with at
// creation or reallocation time.
func (a *Allocation) Frame() uint64 { return a.frame }

// Offset returns the allocation's byte offset inside its DataMemory's
// buffer. Unlike Address, it is independent of whether the buffer was
// created addressable; staging copies (package staging) and the handle
// table's mirror updates address the target buffer by this offset.
func (a *Allocation) Offset() uint64 {
	if a.rec == nil {
		return 0
	}
	return a.rec.Addr()
}

// MemoryBuffer returns the driver.Buffer of the DataMemory backing
// this allocation, for recordUpload's copy destination (package
// staging). Returns nil for the zero-size singleton.
func (a *Allocation) MemoryBuffer() driver.Buffer {
	if a.mem == nil {
		return nil
	}
	return a.mem.buf
}

// Memory is one device-local buffer plus its arena state.
type Memory struct {
	buf   driver.Buffer
	base  uint64
	a     *arena.Arena
	size  int64
}

// UsedBytes returns the sum of live allocation sizes in the memory.
func (m *Memory) UsedBytes() uint64 { return m.a.UsedBytes() }

// Buffer returns the underlying driver buffer.
func (m *Memory) Buffer() driver.Buffer { return m.buf }

func newMemory(gpu driver.GPU, size int64, addressable bool) (*Memory, error) {
	buf, err := gpu.NewBuffer(size, false, addressable, driver.UVertexData|driver.UIndexData|driver.UShaderRead|driver.UTransferDst)
	if err != nil {
		return nil, errors.Wrap(cadrerr.DriverFailure("data: new buffer", err), "newMemory")
	}
	var base uint64
	if addressable {
		base = buf.Address()
	}
	return &Memory{buf: buf, base: base, a: arena.New(uint64(size)), size: size}, nil
}

func (m *Memory) destroy() { m.buf.Destroy() }

// Storage owns a list of Memory objects and two cached alloc pointers,
// the first and second memories tried by every allocation.
type Storage struct {
	guard       threadguard.Guard
	gpu         driver.GPU
	sizes       SizeList
	addressable bool

	all           []*Memory
	first, second *Memory

	frame uint64
}

// NewStorage creates a Storage over gpu. addressable requests
// VK_KHR_buffer_device_address-capable buffers so Allocation.Address
// can be used directly as a shader pointer.
func NewStorage(gpu driver.GPU, sizes SizeList, addressable bool) *Storage {
	return &Storage{gpu: gpu, sizes: sizes, addressable: addressable}
}

// SetFrame updates the frame counter stamped on new allocations.
// Called once per frame by the renderer.
func (s *Storage) SetFrame(n uint64) { s.frame = n }

// Alloc reserves size bytes, cascading first -> second -> a fresh
// memory.
func (s *Storage) Alloc(size int64) (*Allocation, error) {
	return s.alloc(size, nil, nil)
}

// AllocWithRelocate is like Alloc but registers a relocation callback
// and user token with the underlying arena.Record.
func (s *Storage) AllocWithRelocate(size int64, relocate arena.Relocate, token any) (*Allocation, error) {
	return s.alloc(size, relocate, token)
}

func (s *Storage) alloc(size int64, relocate arena.Relocate, token any) (*Allocation, error) {
	s.guard.Check()
	if size == 0 {
		return zeroAlloc, nil
	}

	if s.first == nil {
		m, err := newMemory(s.gpu, max64(size, s.sizes.Small), s.addressable)
		if err != nil {
			return nil, err
		}
		s.first = m
		s.all = append(s.all, m)
	}

	const align = 16 // every data allocation is 16-byte aligned
	if rec, err := s.first.a.Alloc(uint64(size), align, relocate, token); err == nil {
		return s.finish(s.first, rec, relocate, token), nil
	}

	if s.second == nil {
		m, err := newMemory(s.gpu, max64(size, s.sizes.Medium), s.addressable)
		if err != nil {
			return nil, err
		}
		s.second = m
		s.all = append(s.all, m)
	}
	if rec, err := s.second.a.Alloc(uint64(size), align, relocate, token); err == nil {
		return s.finish(s.second, rec, relocate, token), nil
	}

	// Retire first by replacing it with second; mint a new memory as
	// the new second.
	s.first = s.second
	m, err := newMemory(s.gpu, max64(size, s.sizes.Large), s.addressable)
	if err != nil {
		return nil, errors.Wrap(err, "data: out of resources")
	}
	s.second = m
	s.all = append(s.all, m)
	rec, err := s.second.a.Alloc(uint64(size), align, relocate, token)
	if err != nil {
		return nil, cadrerr.OutOfResources("data: allocation exceeds super-size memory")
	}
	return s.finish(s.second, rec, relocate, token), nil
}

func (s *Storage) finish(m *Memory, rec *arena.Record, relocate arena.Relocate, token any) *Allocation {
	return &Allocation{mem: m, rec: rec, frame: s.frame, relocate: relocate, token: token}
}

// Free releases a. Freeing the shared zero-size singleton is a no-op,
// repeatedly if need be.
func (s *Storage) Free(a *Allocation) {
	s.guard.Check()
	if a == nil || a.rec == nil {
		return
	}
	a.mem.a.Free(a.rec)
	a.rec = nil
}

// Realloc allocates newSize fresh and frees the old allocation only on
// success; on failure the old allocation is untouched. No staging is
// attached to the new allocation; the caller attaches it through
// package staging.
func (s *Storage) Realloc(a *Allocation, newSize int64) (*Allocation, error) {
	n, err := s.alloc(newSize, a.relocate, a.token)
	if err != nil {
		return nil, err
	}
	s.Free(a)
	return n, nil
}

// Memories returns every Memory created by this Storage, for
// recordUpload (package staging) and shutdown.
func (s *Storage) Memories() []*Memory { return s.all }

// Destroy releases every Memory's driver buffer.
func (s *Storage) Destroy() {
	for _, m := range s.all {
		m.destroy()
	}
	s.all = nil
	s.first, s.second = nil, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
