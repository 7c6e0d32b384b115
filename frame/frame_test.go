package frame

import (
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

func newLoop(t *testing.T) (*Loop, *data.Storage, *staging.Manager, driver.GPU) {
	t.Helper()
	gpu := openSW(t)
	ds := data.NewStorage(gpu, data.DefaultSizeList(), false)
	sm := staging.NewManager(gpu, staging.DefaultTierSizes())
	l, err := New(gpu, ds, sm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, ds, sm, gpu
}

func TestUploadRoundTripThroughFrameLoop(t *testing.T) {
	l, ds, sm, gpu := newLoop(t)

	l.Begin()
	a, err := ds.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.Frame() != 1 {
		t.Fatalf("allocation frame stamp\nhave %d\nwant 1", a.Frame())
	}
	sd, err := sm.CreateStagingData(a, a.Offset())
	if err != nil {
		t.Fatalf("CreateStagingData: %v", err)
	}
	copy(sd.Bytes(), []byte{9, 8, 7, 6, 5, 4, 3, 2})
	sm.Submit(sd)

	cb, err := gpu.NewCmdBuffer()
	if err != nil {
		t.Fatalf("NewCmdBuffer: %v", err)
	}
	cb.Begin()
	l.RecordUpload(cb)
	cb.End()
	if err := l.Submit([]driver.CmdBuffer{cb}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := l.Wait(1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := l.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := a.MemoryBuffer().Bytes()[a.Offset() : a.Offset()+8]
	want := []byte{9, 8, 7, 6, 5, 4, 3, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("target bytes after upload\nhave %v\nwant %v", got, want)
		}
	}
	if a.Staging() != nil {
		t.Fatalf("staging handle still attached after Complete")
	}
}

func TestCompleteRetiresTransfersInFIFOOrder(t *testing.T) {
	l, ds, sm, gpu := newLoop(t)

	runFrame := func(val byte) {
		l.Begin()
		a, err := ds.Alloc(4)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		sd, err := sm.CreateStagingData(a, a.Offset())
		if err != nil {
			t.Fatalf("CreateStagingData: %v", err)
		}
		copy(sd.Bytes(), []byte{val, val, val, val})
		sm.Submit(sd)
		cb, _ := gpu.NewCmdBuffer()
		cb.Begin()
		l.RecordUpload(cb)
		cb.End()
		if err := l.Submit([]driver.CmdBuffer{cb}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	runFrame(1)
	runFrame(2)
	if len(l.pending) != 2 {
		t.Fatalf("pending transfers\nhave %d\nwant 2", len(l.pending))
	}
	if err := l.Wait(2); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := l.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(l.pending) != 0 {
		t.Fatalf("pending transfers after Complete\nhave %d\nwant 0", len(l.pending))
	}
}

func TestShutdownDrainsInFlightTransfers(t *testing.T) {
	l, ds, sm, gpu := newLoop(t)

	l.Begin()
	a, err := ds.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	sd, err := sm.CreateStagingData(a, a.Offset())
	if err != nil {
		t.Fatalf("CreateStagingData: %v", err)
	}
	sm.Submit(sd)
	cb, _ := gpu.NewCmdBuffer()
	cb.Begin()
	l.RecordUpload(cb)
	cb.End()
	if err := l.Submit([]driver.CmdBuffer{cb}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := l.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(l.pending) != 0 {
		t.Fatalf("pending transfers after Shutdown\nhave %d\nwant 0", len(l.pending))
	}
}
