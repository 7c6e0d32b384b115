// Package arena implements a two-block circular bump allocator. It
// manages a fixed byte range [bufferStart, bufferEnd) as two active
// sub-ranges, "block 1" (the current region) and "block 2" (the
// wrapped region created once block 1 reaches the end of the buffer),
// bumping pointers within each and retiring allocation-record blocks
// FIFO as every record they hold dies.
//
// The arena never moves or compacts live allocations. Each record
// stores the caller-supplied Relocate callback and token, but the arena
// itself never invokes the callback.
package arena

import (
	"github.com/cadrgo/cadr/internal/slotmap"
)

// recordsPerBlock is the allocation-block capacity.
const recordsPerBlock = 200

// Relocate is the callback type stored with each record for reporting
// that a record's device address has changed; true means the caller
// wants the allocation kept. The arena stores it with the record and
// never calls it, since it never moves a record.
type Relocate func(token any, newAddr uint64) (keep bool)

// Record is a single live or dead allocation inside an Arena.
type Record struct {
	addr  uint64
	size  uint64
	dead  bool
	block *allocBlock
	slot  int

	relocate Relocate
	token    any
}

// Addr returns the record's device address. Only valid while the
// record is alive.
func (r *Record) Addr() uint64 { return r.addr }

// Size returns the record's size in bytes.
func (r *Record) Size() uint64 { return r.size }

// Dead reports whether Free has already been called on this record.
func (r *Record) Dead() bool { return r.dead }

// allocBlock is a fixed-capacity group of Records. Retirement is FIFO
// within the owning list (block
// 1 or block 2) — a block cannot retire while an earlier block in the
// same list is still alive, since the list forms the basis for
// rewinding the block's marker.
type allocBlock struct {
	records [recordsPerBlock]Record
	live    slotmap.Map[uint32]
	n       int // number of slots populated so far
	next    *allocBlock
	inBlock1 bool // which marker this block belongs to
}

func newAllocBlock(inBlock1 bool) *allocBlock {
	b := &allocBlock{inBlock1: inBlock1}
	b.live.Grow(recordsPerBlock)
	return b
}

func (b *allocBlock) full() bool { return b.n == recordsPerBlock }

func (b *allocBlock) empty() bool { return b.live.Free() == b.live.Len() }

// Arena manages a fixed byte range using the two-block scheme.
type Arena struct {
	bufferStart, bufferEnd uint64
	block1Start, block1End uint64
	block2Start, block2End uint64

	usedBytes uint64

	// head1/tail1 form the FIFO list of allocation blocks backing
	// block 1; head2/tail2 back block 2. Retiring always happens at
	// the head.
	head1, tail1 *allocBlock
	head2, tail2 *allocBlock
}

// New creates an Arena over [0, size). The base device address is
// added by the caller when interpreting Record.Addr against a real
// buffer; the arena itself works in buffer-relative offsets so it can
// be unit-tested without a driver.Buffer.
func New(size uint64) *Arena {
	return &Arena{
		bufferEnd:   size,
		block1Start: 0,
		block1End:   0,
		block2Start: 0,
		block2End:   0,
	}
}

// UsedBytes returns the sum of sizes of live allocations.
func (a *Arena) UsedBytes() uint64 { return a.usedBytes }

func alignUp(x, align uint64) uint64 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// ErrNoSpace is returned by Alloc when neither block has room. The
// caller is expected to create or use another Arena.
var ErrNoSpace = noSpaceError{}

type noSpaceError struct{}

func (noSpaceError) Error() string { return "arena: no space" }

// Alloc reserves size bytes aligned to align, returning the new
// Record. No partial state is published on failure.
func (a *Arena) Alloc(size, align uint64, relocate Relocate, token any) (*Record, error) {
	if cand := alignUp(a.block1End, align); cand+size <= a.bufferEnd {
		return a.commit(cand, size, true, relocate, token), nil
	}
	if cand := alignUp(a.block2End, align); cand+size <= a.block1Start {
		return a.commit(cand, size, false, relocate, token), nil
	}
	return nil, ErrNoSpace
}

func (a *Arena) commit(addr, size uint64, inBlock1 bool, relocate Relocate, token any) *Record {
	var head, tail **allocBlock
	if inBlock1 {
		a.block1End = addr + size
		if a.block1Start == a.block1End-size && a.head1 == nil {
			a.block1Start = addr
		}
		head, tail = &a.head1, &a.tail1
	} else {
		a.block2End = addr + size
		head, tail = &a.head2, &a.tail2
	}

	blk := *tail
	if blk == nil || blk.full() {
		blk = newAllocBlock(inBlock1)
		if *head == nil {
			*head = blk
		} else {
			(*tail).next = blk
		}
		*tail = blk
	}

	slot := blk.n
	blk.n++
	blk.live.Occupy(slot)
	rec := &blk.records[slot]
	*rec = Record{addr: addr, size: size, block: blk, slot: slot, relocate: relocate, token: token}

	a.usedBytes += size
	return rec
}

// Free releases rec. The slot is marked dead but not compacted; when
// every record in its allocation block has died, the block retires.
func (a *Arena) Free(rec *Record) {
	if rec.dead {
		panic("arena: double free")
	}
	rec.dead = true
	rec.block.live.Release(rec.slot)
	a.usedBytes -= rec.size

	if rec.block.empty() {
		a.retire(rec.block)
	}
}

// retire pops a fully-dead block from the head of its list and rewinds
// the corresponding marker, collapsing block 1 onto block 2 if block 1
// becomes empty.
//
// A block that still holds live records is simply skipped by this scan —
// it is never considered for retirement until its own occupancy count
// reaches zero, regardless of its position relative to the head, so
// usedBytes tracks exactly the live allocations under any free order.
func (a *Arena) retire(blk *allocBlock) {
	if blk.inBlock1 {
		if blk != a.head1 {
			// Not at the head yet: leave it for a later call once the
			// blocks ahead of it have also fully retired.
			return
		}
		for a.head1 != nil && a.head1.empty() {
			a.head1 = a.head1.next
			if a.head1 == nil {
				a.tail1 = nil
				a.block1Start = a.block1End
			} else {
				a.block1Start = a.head1.records[firstLiveOrZero(a.head1)].addr
			}
		}
		if a.head1 == nil {
			a.collapseIfEmpty()
		}
	} else {
		if blk != a.head2 {
			return
		}
		for a.head2 != nil && a.head2.empty() {
			a.head2 = a.head2.next
			if a.head2 == nil {
				a.tail2 = nil
				a.block2Start = a.block2End
			} else {
				a.block2Start = a.head2.records[firstLiveOrZero(a.head2)].addr
			}
		}
	}
}

// collapseIfEmpty folds block 1 onto block 2 once block 1 has no
// allocation blocks left: the markers are reassigned so block 2
// becomes the new block 1 and a fresh empty block 2 begins at the start
// of the buffer, keeping block 2 below block 1.
func (a *Arena) collapseIfEmpty() {
	a.block1Start = a.block2Start
	a.block1End = a.block2End
	a.head1, a.tail1 = a.head2, a.tail2
	for b := a.head1; b != nil; b = b.next {
		b.inBlock1 = true
	}
	a.head2, a.tail2 = nil, nil
	a.block2Start = a.bufferStart
	a.block2End = a.bufferStart
}

// firstLiveOrZero finds the lowest-addressed live record in blk, used
// to rewind a block-start marker to that record's start address.
// It returns 0 if no record is live; the retire loop then pops that
// empty block on its next iteration.
func firstLiveOrZero(blk *allocBlock) int {
	for i := 0; i < blk.n; i++ {
		if blk.live.Occupied(i) {
			return i
		}
	}
	return 0
}

// Markers returns the four arena markers, for invariant checks and
// tests: block2Start ≤ block2End ≤ block1Start ≤ block1End always
// holds.
func (a *Arena) Markers() (block2Start, block2End, block1Start, block1End uint64) {
	return a.block2Start, a.block2End, a.block1Start, a.block1End
}
