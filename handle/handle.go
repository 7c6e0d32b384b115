// Package handle implements the multi-level handle table: indirection
// from stable 64-bit handles to device addresses, held as a radix tree
// of 2048-entry tables whose CPU-side arrays are mirrored on the GPU
// through the staging pipeline.
//
// A handle is split by 11-bit fields: the bottom 11 bits index a
// last-level table of device addresses; the next 11 bits index a
// routing table once the tree has grown past a single table. The
// common-case Create/Set/RootDeviceAddress never branch on depth —
// they go through function values that are re-bound each time the
// depth grows.
package handle

import (
	"encoding/binary"

	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/internal/threadguard"
	"github.com/cadrgo/cadr/staging"
)

const (
	entriesPerTable = 2048
	levelShift      = 11
	levelMask       = 0x7ff

	tableBytes = entriesPerTable * 8
)

// table is one node of the radix tree: a 2048-entry device-address
// array plus its GPU mirror. children is nil for a last-level table
// and holds the child pointers for a routing table (the GPU side only
// ever sees the address array; child pointers are CPU bookkeeping).
type table struct {
	alloc    *data.Allocation
	handle   uint64
	addrs    [entriesPerTable]uint64
	children []*table
}

// Table maps 64-bit handles to device addresses. Handle 0 is
// permanently reserved and always maps to device address 0.
type Table struct {
	guard   threadguard.Guard
	storage *data.Storage
	manager *staging.Manager

	root    *table
	level   int
	highest uint64

	// Re-bound on every depth change so Create/Set/RootDeviceAddress
	// do not branch on depth.
	createFn   func() (uint64, error)
	setFn      func(h, addr uint64) error
	rootAddrFn func() uint64
}

// New creates an empty Table whose GPU mirrors are suballocated from
// storage and uploaded through manager. storage must have been created
// addressable, since routing entries hold the child tables' device
// addresses.
func New(storage *data.Storage, manager *staging.Manager) *Table {
	t := &Table{storage: storage, manager: manager}
	t.createFn = t.create0
	t.setFn = func(h, addr uint64) error { return nil }
	t.rootAddrFn = func() uint64 { return 0 }
	return t
}

// Create mints the next handle, growing the tree when the current
// last-level table is within the reserved margin of full.
func (t *Table) Create() (uint64, error) {
	t.guard.Check()
	return t.createFn()
}

// CreateWithAddr mints a handle and immediately sets it to addr.
func (t *Table) CreateWithAddr(addr uint64) (uint64, error) {
	h, err := t.Create()
	if err != nil {
		return 0, err
	}
	if err := t.Set(h, addr); err != nil {
		return 0, err
	}
	return h, nil
}

// Set maps h to addr: the CPU-side array is mutated and a staging
// update is enqueued so the GPU mirror catches up at the next upload.
// The first mutation of a table within a frame stages the full table;
// later mutations patch a single 64-bit word.
func (t *Table) Set(h, addr uint64) error {
	t.guard.Check()
	if h == 0 {
		panic("handle: set on the reserved null handle")
	}
	return t.setFn(h, addr)
}

// Lookup returns the device address most recently set for h, or 0 for
// the null handle and for handles never set.
func (t *Table) Lookup(h uint64) uint64 {
	t.guard.Check()
	if h > t.highest {
		return 0
	}
	switch t.level {
	case 1:
		return t.root.addrs[h]
	case 2:
		return t.root.children[h>>levelShift].addrs[h&levelMask]
	default:
		return 0
	}
}

// RootDeviceAddress returns the device address of the tree's root
// table, handed to the indirect-draw compute shaders.
func (t *Table) RootDeviceAddress() uint64 {
	t.guard.Check()
	return t.rootAddrFn()
}

// Level returns the current tree depth: 0 before the first Create, 1
// while a single last-level table suffices, 2 once a routing table has
// been wired in.
func (t *Table) Level() int { return t.level }

// HighestHandle returns the most recently minted handle.
func (t *Table) HighestHandle() uint64 { return t.highest }

// Destroy releases a handle. Handles are never recycled — the slot
// simply keeps its last value until overwritten — so this only rejects
// the reserved null handle; it exists so callers have a single place
// to hang per-handle teardown on.
func (t *Table) Destroy(h uint64) {
	t.guard.Check()
	if h == 0 {
		panic("handle: destroy of the reserved null handle")
	}
}

// DestroyAll frees every table's GPU mirror and resets the tree to
// depth 0.
func (t *Table) DestroyAll() {
	t.guard.Check()
	switch t.level {
	case 1:
		t.storage.Free(t.root.alloc)
	case 2:
		for _, c := range t.root.children {
			if c != nil {
				t.storage.Free(c.alloc)
			}
		}
		t.storage.Free(t.root.alloc)
	}
	t.root = nil
	t.level = 0
	t.highest = 0
	t.createFn = t.create0
	t.setFn = func(h, addr uint64) error { return nil }
	t.rootAddrFn = func() uint64 { return 0 }
}

// newTable allocates a node plus its zero-filled GPU mirror and mints
// the node's own handle through the current-depth set function (the
// table's allocation is itself handle-addressed, which is why a margin
// of handles is reserved ahead of every growth).
func (t *Table) newTable(routing bool) (*table, error) {
	alloc, err := t.storage.Alloc(tableBytes)
	if err != nil {
		return nil, err
	}
	tbl := &table{alloc: alloc}
	if routing {
		tbl.children = make([]*table, entriesPerTable)
	}

	sd, err := t.manager.CreateStagingData(alloc, alloc.Offset())
	if err != nil {
		t.storage.Free(alloc)
		return nil, err
	}
	clear(sd.Bytes())
	t.manager.Submit(sd)

	t.highest++
	tbl.handle = t.highest
	if err := t.setFn(tbl.handle, alloc.Address()); err != nil {
		t.storage.Free(alloc)
		return nil, err
	}
	return tbl, nil
}

// setValue mutates one entry of tbl and enqueues the matching staging
// update. Staging is write-one-shot per frame: the first touch stages
// the whole table, later touches patch one word of the same staging
// bytes in place.
func (t *Table) setValue(tbl *table, index int, value uint64) error {
	tbl.addrs[index] = value
	sd, err := t.manager.CreateStagingData(tbl.alloc, tbl.alloc.Offset())
	if err != nil {
		return err
	}
	b := sd.Bytes()
	if sd.NeedInit() {
		for i, a := range tbl.addrs {
			binary.LittleEndian.PutUint64(b[i*8:], a)
		}
	} else {
		binary.LittleEndian.PutUint64(b[index*8:], value)
	}
	t.manager.Submit(sd)
	return nil
}

// create0 handles the very first Create: it mints the first last-level
// table (which consumes handle 1 for its own mirror) and promotes the
// tree to depth 1. The returned handle is 2.
func (t *Table) create0() (uint64, error) {
	llt, err := t.newTable(false)
	if err != nil {
		t.highest = 0
		return 0, err
	}
	// setFn was still the depth-0 no-op while newTable ran; store the
	// table's self-entry directly.
	if err := t.setValue(llt, int(llt.handle), llt.alloc.Address()); err != nil {
		t.storage.Free(llt.alloc)
		t.highest = 0
		return 0, err
	}

	t.root = llt
	t.level = 1
	t.createFn = t.create1
	t.setFn = t.set1
	t.rootAddrFn = func() uint64 { return t.root.alloc.Address() }

	t.highest = 2
	return t.highest, nil
}

// create1 serves depth 1. A few handles below the table's capacity are
// reserved so the routing table and the next last-level table can mint
// their own handles during growth; reaching that margin promotes the
// tree to depth 2.
func (t *Table) create1() (uint64, error) {
	if t.highest != levelMask-2 {
		t.highest++
		return t.highest, nil
	}

	rt, err := t.newTable(true)
	if err != nil {
		return 0, err
	}
	llt, err := t.newTable(false)
	if err != nil {
		t.storage.Free(rt.alloc)
		return 0, err
	}

	rt.children[0] = t.root
	rt.children[1] = llt
	if err := t.setValue(rt, 0, t.root.alloc.Address()); err != nil {
		return 0, err
	}
	if err := t.setValue(rt, 1, llt.alloc.Address()); err != nil {
		return 0, err
	}

	t.root = rt
	t.level = 2
	t.createFn = t.create2
	t.setFn = t.set2
	t.rootAddrFn = func() uint64 { return t.root.alloc.Address() }

	t.highest++
	return t.highest, nil
}

// create2 serves depth 2, appending a fresh last-level table whenever
// the current one reaches its reserved margin.
func (t *Table) create2() (uint64, error) {
	if t.highest&levelMask != levelMask-3 {
		t.highest++
		return t.highest, nil
	}

	llt, err := t.newTable(false)
	if err != nil {
		return 0, err
	}
	index := int(t.highest>>levelShift) + 1
	t.root.children[index] = llt
	if err := t.setValue(t.root, index, llt.alloc.Address()); err != nil {
		return 0, err
	}

	t.highest++
	return t.highest, nil
}

func (t *Table) set1(h, addr uint64) error {
	return t.setValue(t.root, int(h), addr)
}

func (t *Table) set2(h, addr uint64) error {
	return t.setValue(t.root.children[h>>levelShift], int(h&levelMask), addr)
}
