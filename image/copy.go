package image

import "github.com/cadrgo/cadr/driver"

// CopyRecord is a layout-aware image upload: it carries the layout
// the image is coming from, the layout needed for the copy
// itself, and the layout the caller wants it left in afterwards, plus
// the destination pipeline-stage/access scope the caller will read the
// image with.
type CopyRecord struct {
	img          *Allocation
	oldLayout    driver.Layout
	copyLayout   driver.Layout
	newLayout    driver.Layout
	dstStage     driver.Sync
	dstAccess    driver.Access
	regions      []driver.BufImgCopy

	opsInFlight int
	parkedImage driver.Image // set by Storage.Free when a realloc raced an in-flight copy
}

// NewCopyRecord creates a CopyRecord targeting a. It is attached to a
// so a subsequent Storage.Free during an in-flight copy can detect the
// race.
func NewCopyRecord(a *Allocation, oldLayout, copyLayout, newLayout driver.Layout, dstStage driver.Sync, dstAccess driver.Access, regions []driver.BufImgCopy) *CopyRecord {
	r := &CopyRecord{img: a, oldLayout: oldLayout, copyLayout: copyLayout, newLayout: newLayout, dstStage: dstStage, dstAccess: dstAccess, regions: regions}
	a.copy = r
	return r
}

// Record emits the pre-barrier, the buffer-to-image copy, and the
// post-barrier onto cb, omitting either barrier when it would be a
// no-op.
func (r *CopyRecord) Record(cb driver.CmdBuffer) {
	r.opsInFlight++

	if r.oldLayout != r.copyLayout {
		cb.Transition([]driver.Transition{{
			Barrier: driver.Barrier{
				SyncBefore: driver.STopOfPipe, SyncAfter: driver.SCopy,
				AccessBefore: driver.ANone, AccessAfter: driver.ACopyWrite,
			},
			LayoutBefore: r.oldLayout, LayoutAfter: r.copyLayout,
			Img: r.img.img,
		}})
	}

	for i := range r.regions {
		region := r.regions[i]
		cb.CopyBufToImg(&region)
	}

	omitPost := r.copyLayout == r.newLayout && r.dstStage == driver.SNone
	if !omitPost {
		cb.Transition([]driver.Transition{{
			Barrier: driver.Barrier{
				SyncBefore: driver.SCopy, SyncAfter: r.dstStage,
				AccessBefore: driver.ACopyWrite, AccessAfter: r.dstAccess,
			},
			LayoutBefore: r.copyLayout, LayoutAfter: r.newLayout,
			Img: r.img.img,
		}})
	}
}

// Done decrements the in-flight op counter, destroying any parked
// image once it reaches zero.
func (r *CopyRecord) Done() {
	r.opsInFlight--
	if r.opsInFlight == 0 && r.parkedImage != nil {
		r.parkedImage.Destroy()
		r.parkedImage = nil
	}
}
