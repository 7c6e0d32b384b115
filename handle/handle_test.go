package handle

import (
	"encoding/binary"
	"testing"

	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	_ "github.com/cadrgo/cadr/driver/sw"
	"github.com/cadrgo/cadr/staging"
)

func openSW(t *testing.T) driver.GPU {
	t.Helper()
	for _, d := range driver.Drivers() {
		if d.Name() == "software" {
			g, err := d.Open()
			if err != nil {
				t.Fatalf("Open software driver: %v", err)
			}
			return g
		}
	}
	t.Fatalf("software driver not registered")
	return nil
}

func newTable(t *testing.T) (*Table, *staging.Manager, driver.GPU) {
	t.Helper()
	gpu := openSW(t)
	ds := data.NewStorage(gpu, data.DefaultSizeList(), true)
	sm := staging.NewManager(gpu, staging.DefaultTierSizes())
	return New(ds, sm), sm, gpu
}

func TestNullHandleAlwaysMapsToZero(t *testing.T) {
	tbl, _, _ := newTable(t)
	if got := tbl.Lookup(0); got != 0 {
		t.Fatalf("Lookup(0)\nhave %#x\nwant 0", got)
	}
	h, err := tbl.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tbl.Set(h, 0xdead); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := tbl.Lookup(0); got != 0 {
		t.Fatalf("Lookup(0) after mutations\nhave %#x\nwant 0", got)
	}
}

func TestCreateSetLookupRoundTrip(t *testing.T) {
	tbl, _, _ := newTable(t)
	h, err := tbl.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tbl.Set(h, 0xabcd1234); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := tbl.Lookup(h); got != 0xabcd1234 {
		t.Fatalf("Lookup\nhave %#x\nwant 0xabcd1234", got)
	}
	if err := tbl.Set(h, 0x55); err != nil {
		t.Fatalf("Set #2: %v", err)
	}
	if got := tbl.Lookup(h); got != 0x55 {
		t.Fatalf("Lookup after overwrite\nhave %#x\nwant 0x55", got)
	}
}

func TestGrowFromOneToTwoLevels(t *testing.T) {
	tbl, _, _ := newTable(t)

	first, err := tbl.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tbl.Level() != 1 {
		t.Fatalf("Level after first Create\nhave %d\nwant 1", tbl.Level())
	}
	rootBefore := tbl.RootDeviceAddress()
	if rootBefore == 0 {
		t.Fatalf("RootDeviceAddress is 0 at level 1")
	}
	if err := tbl.Set(first, 0x1111); err != nil {
		t.Fatalf("Set first: %v", err)
	}

	// Fill the first last-level table up to the reserved margin.
	var last uint64
	for tbl.HighestHandle() < levelMask-2 {
		if last, err = tbl.Create(); err != nil {
			t.Fatalf("Create at %d: %v", tbl.HighestHandle(), err)
		}
		if tbl.Level() != 1 {
			t.Fatalf("premature growth at handle %d", last)
		}
	}
	if last != levelMask-2 {
		t.Fatalf("last pre-growth handle\nhave %d\nwant %d", last, levelMask-2)
	}

	// The next Create crosses the margin: a routing table plus a second
	// last-level table are wired in and the handle lands in the latter.
	grown, err := tbl.Create()
	if err != nil {
		t.Fatalf("Create across margin: %v", err)
	}
	if tbl.Level() != 2 {
		t.Fatalf("Level after growth\nhave %d\nwant 2", tbl.Level())
	}
	if grown>>levelShift != 1 {
		t.Fatalf("post-growth handle %d did not land in the second last-level table", grown)
	}
	if tbl.RootDeviceAddress() == rootBefore || tbl.RootDeviceAddress() == 0 {
		t.Fatalf("RootDeviceAddress did not move to the routing table")
	}

	// Handles minted before the growth keep their mappings.
	if got := tbl.Lookup(first); got != 0x1111 {
		t.Fatalf("pre-growth handle lookup\nhave %#x\nwant 0x1111", got)
	}
	if err := tbl.Set(grown, 0x2222); err != nil {
		t.Fatalf("Set post-growth handle: %v", err)
	}
	if got := tbl.Lookup(grown); got != 0x2222 {
		t.Fatalf("post-growth handle lookup\nhave %#x\nwant 0x2222", got)
	}
}

func TestGPUMirrorMatchesAfterUpload(t *testing.T) {
	gpu := openSW(t)
	ds := data.NewStorage(gpu, data.DefaultSizeList(), true)
	sm := staging.NewManager(gpu, staging.DefaultTierSizes())
	tbl := New(ds, sm)

	h, err := tbl.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tbl.Set(h, 0xfeedface); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cb, err := gpu.NewCmdBuffer()
	if err != nil {
		t.Fatalf("NewCmdBuffer: %v", err)
	}
	cb.Begin()
	rec := sm.RecordUpload(cb)
	cb.End()
	if err := gpu.Commit([]driver.CmdBuffer{cb}, nil, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sm.UploadDone(rec)

	mirror := tbl.root.alloc
	b := mirror.MemoryBuffer().Bytes()[mirror.Offset() : mirror.Offset()+tableBytes]
	if got := binary.LittleEndian.Uint64(b[h*8:]); got != 0xfeedface {
		t.Fatalf("GPU mirror word for handle %d\nhave %#x\nwant 0xfeedface", h, got)
	}
	if got := binary.LittleEndian.Uint64(b[:8]); got != 0 {
		t.Fatalf("GPU mirror word for the null handle\nhave %#x\nwant 0", got)
	}
}
