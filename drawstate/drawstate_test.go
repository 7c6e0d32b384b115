package drawstate

import (
	"testing"

	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	_ "github.com/cadrgo/cadr/driver/sw"
	"github.com/cadrgo/cadr/geometry"
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

type env struct {
	gpu driver.GPU
	ds  *data.Storage
	sm  *staging.Manager
	gs  *geometry.Storage
	b   *Builder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gpu := openSW(t)
	ds := data.NewStorage(gpu, data.DefaultSizeList(), true)
	sm := staging.NewManager(gpu, staging.DefaultTierSizes())
	gs := geometry.NewStorage(gpu)
	return &env{gpu: gpu, ds: ds, sm: sm, gs: gs, b: NewBuilder(gpu, ds, sm, nil)}
}

func (e *env) geometry(t *testing.T, numV, numI, numP int) *Geometry {
	t.Helper()
	g, err := NewGeometry(e.gs, e.sm, geometry.AttribSizeList{12, 16}, numV, numI, numP)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	return g
}

func TestPrimitiveSetPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		topology Topology
		offset4  uint32
	}{
		{TPointList, 0},
		{TTriangleList, 1},
		{TTriangleFan, 1<<28 - 1},
		{maxTopology, 12345},
	}
	for _, c := range cases {
		p := PackPrimitiveSet(c.topology, c.offset4)
		if p.Topology() != c.topology || p.Offset4() != c.offset4 {
			t.Fatalf("round trip of (%d, %d)\nhave (%d, %d)", c.topology, c.offset4, p.Topology(), p.Offset4())
		}
		if q := PackPrimitiveSet(p.Topology(), p.Offset4()); q != p {
			t.Fatalf("repack of %#x yielded %#x", p, q)
		}
	}
}

func TestPackPrimitiveSetPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("PackPrimitiveSet accepted an out-of-range offset")
		}
	}()
	PackPrimitiveSet(TPointList, 1<<28)
}

func TestSwapRemoveStability(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 8, 12, 3)
	ss := NewStateSet()

	d0 := NewDrawable(g, 0, 10, ss)
	d1 := NewDrawable(g, 1, 11, ss)
	d2 := NewDrawable(g, 2, 12, ss)

	ss.removeDrawable(d1)

	if d0.Index() != 0 {
		t.Fatalf("d0 index\nhave %d\nwant 0", d0.Index())
	}
	if d2.Index() != 1 {
		t.Fatalf("d2 index after swap-remove\nhave %d\nwant 1", d2.Index())
	}
	if ss.NumDrawables() != 2 {
		t.Fatalf("drawable vector length\nhave %d\nwant 2", ss.NumDrawables())
	}
	if d1.Index() != noIndex || d1.StateSet() != nil {
		t.Fatalf("removed drawable still references the state set")
	}
	// Every held entry must point back at a drawable whose index is
	// its own slot.
	for i := range ss.drawables {
		if ss.drawables[i].d.index != uint32(i) {
			t.Fatalf("entry %d back-index mismatch: %d", i, ss.drawables[i].d.index)
		}
	}
}

func TestZeroSizeGeometryRecordsNoDraws(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 0, 0, 0)
	ss := NewStateSet()
	d := NewDrawable(g, 0, 0, ss)

	if d.Index() != noIndex {
		t.Fatalf("drawable over an empty geometry became active")
	}

	total := e.b.PrepareRecording(ss)
	if total != 0 {
		t.Fatalf("PrepareRecording total\nhave %d\nwant 0", total)
	}
	if err := e.b.UploadGpuData(ss); err != nil {
		t.Fatalf("UploadGpuData: %v", err)
	}

	cb := &countingCmdBuffer{}
	if err := e.b.BuildIndirect(cb, ss, 0); err != nil {
		t.Fatalf("BuildIndirect: %v", err)
	}
	e.b.RecordToCommandBuffer(cb, ss)
	if cb.draws != 0 || cb.dispatches != 0 {
		t.Fatalf("empty graph recorded %d draws, %d dispatches\nwant 0, 0", cb.draws, cb.dispatches)
	}
}

func TestRecordWalksInsertionOrderWithOffsets(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 16, 24, 6)

	root := NewStateSet()
	childA := NewStateSet()
	childB := NewStateSet()
	root.AddChild(childA)
	root.AddChild(childB)

	NewDrawable(g, 0, 0, childA)
	NewDrawable(g, 1, 1, childA)
	NewDrawable(g, 2, 2, childB)

	total := e.b.PrepareRecording(root)
	if total != 3 {
		t.Fatalf("PrepareRecording total\nhave %d\nwant 3", total)
	}
	if err := e.b.UploadGpuData(root); err != nil {
		t.Fatalf("UploadGpuData: %v", err)
	}

	cb := &countingCmdBuffer{}
	if err := e.b.BuildIndirect(cb, root, 0); err != nil {
		t.Fatalf("BuildIndirect: %v", err)
	}
	e.b.RecordToCommandBuffer(cb, root)

	want := []drawCall{
		{off: 0, count: 2},
		{off: 2 * IndirectStride, count: 1},
	}
	if len(cb.drawCalls) != len(want) {
		t.Fatalf("draw calls\nhave %d\nwant %d", len(cb.drawCalls), len(want))
	}
	for i, w := range want {
		if cb.drawCalls[i] != w {
			t.Fatalf("draw call %d\nhave %+v\nwant %+v", i, cb.drawCalls[i], w)
		}
	}
}

func TestEmptySubtreeIsSkipped(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 8, 12, 2)

	root := NewStateSet()
	empty := NewStateSet()
	emptyChild := NewStateSet()
	full := NewStateSet()
	root.AddChild(empty)
	empty.AddChild(emptyChild)
	root.AddChild(full)
	NewDrawable(g, 0, 0, full)

	e.b.PrepareRecording(root)
	if !empty.skip || !emptyChild.skip {
		t.Fatalf("empty subtree not marked skip")
	}
	if full.skip || root.skip {
		t.Fatalf("populated path wrongly marked skip")
	}
}

func TestRecordCallsRunBeforeDraws(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 8, 12, 2)
	ss := NewStateSet()
	NewDrawable(g, 0, 0, ss)

	var order []string
	id := ss.AddRecordCall(func(cb driver.CmdBuffer) { order = append(order, "call") })

	e.b.PrepareRecording(ss)
	if err := e.b.UploadGpuData(ss); err != nil {
		t.Fatalf("UploadGpuData: %v", err)
	}
	cb := &countingCmdBuffer{onDraw: func() { order = append(order, "draw") }}
	if err := e.b.BuildIndirect(cb, ss, 0); err != nil {
		t.Fatalf("BuildIndirect: %v", err)
	}
	e.b.RecordToCommandBuffer(cb, ss)

	if len(order) != 2 || order[0] != "call" || order[1] != "draw" {
		t.Fatalf("record order\nhave %v\nwant [call draw]", order)
	}

	ss.RemoveRecordCall(id)
	order = nil
	e.b.RecordToCommandBuffer(cb, ss)
	if len(order) != 1 || order[0] != "draw" {
		t.Fatalf("record order after RemoveRecordCall\nhave %v\nwant [draw]", order)
	}
}

func TestGeometryReallocRewritesAttachedDrawables(t *testing.T) {
	e := newEnv(t)
	g := e.geometry(t, 8, 12, 2)
	ss := NewStateSet()
	d := NewDrawable(g, 1, 7, ss)

	before := ss.drawables[d.Index()].gpu.PrimitiveSetAddr

	// Grow far past the initial capacities to force a re-home into a
	// fresh GeometryMemory.
	if err := g.Realloc(4096, 16384, 512); err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	after := ss.drawables[d.Index()].gpu.PrimitiveSetAddr
	if after == before {
		t.Fatalf("re-homed geometry did not rewrite its drawable's primitive-set pointer")
	}
	if want := g.primitiveSetAddr(1); after != want {
		t.Fatalf("rewritten primitive-set pointer\nhave %#x\nwant %#x", after, want)
	}
}

type drawCall struct {
	off   int64
	count int
}

// countingCmdBuffer implements just enough of driver.CmdBuffer to
// observe the recorded call sequence.
type countingCmdBuffer struct {
	draws      int
	dispatches int
	drawCalls  []drawCall
	onDraw     func()
}

func (c *countingCmdBuffer) Destroy()                                                         {}
func (c *countingCmdBuffer) Begin() error                                                     { return nil }
func (c *countingCmdBuffer) BeginWork()                                                       {}
func (c *countingCmdBuffer) EndWork()                                                         {}
func (c *countingCmdBuffer) BeginPass(driver.RenderPass, driver.Framebuf, []driver.ClearValue) {}
func (c *countingCmdBuffer) EndPass()                                                         {}
func (c *countingCmdBuffer) BindPipeline(driver.Pipeline)                                     {}
func (c *countingCmdBuffer) BindDescTable(driver.DescTable, int, []int64)                     {}
func (c *countingCmdBuffer) PushConstants(int64, []byte)                                      {}

func (c *countingCmdBuffer) DrawIndexedIndirect(buf driver.Buffer, off int64, count int, stride int64) {
	c.draws++
	c.drawCalls = append(c.drawCalls, drawCall{off: off, count: count})
	if c.onDraw != nil {
		c.onDraw()
	}
}

func (c *countingCmdBuffer) Dispatch(x, y, z int)                                  { c.dispatches++ }
func (c *countingCmdBuffer) CopyBuffer(*driver.BufferCopy)                         {}
func (c *countingCmdBuffer) CopyBufToImg(*driver.BufImgCopy)                       {}
func (c *countingCmdBuffer) Barrier([]driver.Barrier)                              {}
func (c *countingCmdBuffer) Transition([]driver.Transition)                        {}
func (c *countingCmdBuffer) WriteTimestamp(driver.TimestampPool, int, driver.Sync) {}
func (c *countingCmdBuffer) End() error                                            { return nil }
func (c *countingCmdBuffer) Reset() error                                          { return nil }
