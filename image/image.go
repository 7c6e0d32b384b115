// Package image implements the memory-type-indexed counterpart of
// package data for image-backed allocations, plus CopyRecord, the
// layout-aware upload path for GPU images.
package image

import (
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/arena"
	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/internal/threadguard"
)

// Allocation is an image plus its bound memory range.
type Allocation struct {
	mgmt *typeManagement
	im   *imageMemory
	rec  *arena.Record
	img  driver.Image

	copy *CopyRecord // nil once no copy has ever targeted this allocation
}

// Image returns the bound driver.Image.
func (a *Allocation) Image() driver.Image { return a.img }

// imageMemory is an arena over the allocations bound to a single
// memory-type index.
type imageMemory struct {
	typeIndex int
	a         *arena.Arena
	size      int64
}

// typeManagement is the per-memory-type entry, carrying its own
// first/second alloc pointers and memory list.
type typeManagement struct {
	typeIndex     int
	all           []*imageMemory
	first, second *imageMemory
}

// SizeList mirrors package data's tiering, applied per memory type.
type SizeList struct {
	Small, Medium, Large int64
}

// DefaultSizeList mirrors package data's defaults.
func DefaultSizeList() SizeList { return SizeList{Small: 64 << 10, Medium: 2 << 20, Large: 32 << 20} }

// Storage is keyed by memory-type index.
type Storage struct {
	guard threadguard.Guard
	gpu   driver.GPU
	sizes SizeList

	types []driver.MemoryType
	mgmt  map[int]*typeManagement
}

// NewStorage creates a Storage over gpu.
func NewStorage(gpu driver.GPU, sizes SizeList) *Storage {
	return &Storage{gpu: gpu, sizes: sizes, types: gpu.MemoryTypes(), mgmt: make(map[int]*typeManagement)}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *Storage) managementFor(typeIndex int) *typeManagement {
	m, ok := s.mgmt[typeIndex]
	if !ok {
		m = &typeManagement{typeIndex: typeIndex}
		s.mgmt[typeIndex] = m
	}
	return m
}

func newImageMemory(gpu driver.GPU, typeIndex int, size int64) (*imageMemory, error) {
	return &imageMemory{typeIndex: typeIndex, a: arena.New(uint64(size)), size: size}, nil
}

// allocFromMemoryType replicates package data's
// first/second/new-memory cascade, parameterized by typeIndex.
func (s *Storage) allocFromMemoryType(m *typeManagement, size, align int64) (*imageMemory, *arena.Record, error) {
	if m.first == nil {
		im, err := newImageMemory(s.gpu, m.typeIndex, max64(size, s.sizes.Small))
		if err != nil {
			return nil, nil, err
		}
		m.first = im
		m.all = append(m.all, im)
	}
	if rec, err := m.first.a.Alloc(uint64(size), uint64(align), nil, nil); err == nil {
		return m.first, rec, nil
	}

	if m.second == nil {
		im, err := newImageMemory(s.gpu, m.typeIndex, max64(size, s.sizes.Medium))
		if err != nil {
			return nil, nil, err
		}
		m.second = im
		m.all = append(m.all, im)
	}
	if rec, err := m.second.a.Alloc(uint64(size), uint64(align), nil, nil); err == nil {
		return m.second, rec, nil
	}

	m.first = m.second
	im, err := newImageMemory(s.gpu, m.typeIndex, max64(size, s.sizes.Large))
	if err != nil {
		return nil, nil, err
	}
	m.second = im
	m.all = append(m.all, im)
	rec, err := m.second.a.Alloc(uint64(size), uint64(align), nil, nil)
	if err != nil {
		return nil, nil, cadrerr.OutOfResources("image: allocation exceeds super-size memory")
	}
	return m.second, rec, nil
}

// Alloc creates the image via gpu.NewImage then binds memory
// satisfying its type bits and requiredFlags, scanning the driver's
// memory-type table in order.
func (s *Storage) Alloc(pf driver.PixelFmt, dim driver.Dim3D, layers, levels, samples int, usg driver.Usage, requiredFlags driver.MemoryProp) (*Allocation, error) {
	s.guard.Check()
	img, reqs, err := s.gpu.NewImage(pf, dim, layers, levels, samples, usg)
	if err != nil {
		return nil, errors.Wrap(cadrerr.DriverFailure("image: new image", err), "Alloc")
	}

	for i, t := range s.types {
		if reqs.TypeBits&(1<<uint(i)) == 0 {
			continue
		}
		if t.Props&requiredFlags != requiredFlags {
			continue
		}
		m := s.managementFor(i)
		im, rec, err := s.allocFromMemoryType(m, reqs.Size, reqs.Align)
		if err != nil {
			continue
		}
		if err := s.gpu.AllocMemory(img, i, int64(rec.Size()), int64(rec.Addr())); err != nil {
			im.a.Free(rec)
			continue
		}
		return &Allocation{mgmt: m, im: im, rec: rec, img: img}, nil
	}
	img.Destroy()
	return nil, cadrerr.OutOfResources("image: no memory type satisfies requiredFlags")
}

// Free releases a's arena record. If a's CopyRecord is still in
// flight, the image handle is parked on the record for deferred
// destruction instead.
func (s *Storage) Free(a *Allocation) {
	s.guard.Check()
	if a.copy != nil && a.copy.opsInFlight > 0 {
		a.copy.parkedImage = a.img
		a.rec = nil
		return
	}
	a.im.a.Free(a.rec)
	a.img.Destroy()
	a.rec = nil
}
