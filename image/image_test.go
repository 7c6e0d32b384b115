package image

import (
	"testing"

	"github.com/cadrgo/cadr/driver"
	_ "github.com/cadrgo/cadr/driver/sw"
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

func TestAllocBindsDeviceLocalMemoryType(t *testing.T) {
	s := NewStorage(openSW(t), DefaultSizeList())
	a, err := s.Alloc(driver.RGBA8un, driver.Dim3D{Width: 64, Height: 64, Depth: 1}, 1, 1, 1, driver.UShaderSample|driver.UTransferDst, driver.MDeviceLocal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.Image() == nil {
		t.Fatalf("Alloc returned a nil image")
	}
	s.Free(a)
}

func TestAllocFailsWhenNoMemoryTypeSatisfiesFlags(t *testing.T) {
	s := NewStorage(openSW(t), DefaultSizeList())
	// MHostCached is never offered by the software backend's
	// MemoryTypes table.
	_, err := s.Alloc(driver.RGBA8un, driver.Dim3D{Width: 64, Height: 64, Depth: 1}, 1, 1, 1, driver.UShaderSample, driver.MHostCached)
	if err == nil {
		t.Fatalf("Alloc succeeded despite no matching memory type")
	}
}

func TestCopyRecordOmitsPostBarrierWhenLayoutAndStageMatch(t *testing.T) {
	gpu := openSW(t)
	s := NewStorage(gpu, DefaultSizeList())
	a, err := s.Alloc(driver.RGBA8un, driver.Dim3D{Width: 4, Height: 4, Depth: 1}, 1, 1, 1, driver.UShaderSample|driver.UTransferDst, driver.MDeviceLocal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	var transitions int
	cb := &countingCmdBuffer{}
	rec := NewCopyRecord(a, driver.LUndefined, driver.LCopyDst, driver.LCopyDst, driver.SNone, driver.ANone, []driver.BufImgCopy{{}})
	rec.Record(cb)
	transitions = cb.transitions
	if transitions != 1 {
		t.Fatalf("transitions recorded\nhave %d\nwant 1 (pre-barrier only, post-barrier omitted)", transitions)
	}
	rec.Done()
}

func TestCopyRecordOmitsPreBarrierWhenOldEqualsCopyLayout(t *testing.T) {
	gpu := openSW(t)
	s := NewStorage(gpu, DefaultSizeList())
	a, err := s.Alloc(driver.RGBA8un, driver.Dim3D{Width: 4, Height: 4, Depth: 1}, 1, 1, 1, driver.UShaderSample|driver.UTransferDst, driver.MDeviceLocal)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	cb := &countingCmdBuffer{}
	rec := NewCopyRecord(a, driver.LCopyDst, driver.LCopyDst, driver.LShaderRead, driver.SDraw, driver.AShaderRead, []driver.BufImgCopy{{}})
	rec.Record(cb)
	if cb.transitions != 1 {
		t.Fatalf("transitions recorded\nhave %d\nwant 1 (post-barrier only, pre-barrier omitted)", cb.transitions)
	}
	rec.Done()
}

// countingCmdBuffer implements only enough of driver.CmdBuffer to
// count Transition/CopyBufToImg calls.
type countingCmdBuffer struct {
	transitions int
	copies      int
}

func (c *countingCmdBuffer) Destroy()                                                      {}
func (c *countingCmdBuffer) Begin() error                                                   { return nil }
func (c *countingCmdBuffer) BeginWork()                                                     {}
func (c *countingCmdBuffer) EndWork()                                                       {}
func (c *countingCmdBuffer) BeginPass(driver.RenderPass, driver.Framebuf, []driver.ClearValue) {}
func (c *countingCmdBuffer) EndPass()                                                       {}
func (c *countingCmdBuffer) BindPipeline(driver.Pipeline)                                   {}
func (c *countingCmdBuffer) BindDescTable(driver.DescTable, int, []int64)                   {}
func (c *countingCmdBuffer) PushConstants(int64, []byte)                                    {}
func (c *countingCmdBuffer) DrawIndexedIndirect(driver.Buffer, int64, int, int64)            {}
func (c *countingCmdBuffer) Dispatch(int, int, int)                                         {}
func (c *countingCmdBuffer) CopyBuffer(*driver.BufferCopy)                                  {}
func (c *countingCmdBuffer) CopyBufToImg(*driver.BufImgCopy)                                { c.copies++ }
func (c *countingCmdBuffer) Barrier([]driver.Barrier)                                       {}
func (c *countingCmdBuffer) Transition(t []driver.Transition)                               { c.transitions += len(t) }
func (c *countingCmdBuffer) WriteTimestamp(driver.TimestampPool, int, driver.Sync)          {}
func (c *countingCmdBuffer) End() error                                                     { return nil }
func (c *countingCmdBuffer) Reset() error                                                   { return nil }
