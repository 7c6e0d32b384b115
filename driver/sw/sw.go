// Package sw implements driver.Driver and driver.GPU entirely in plain
// Go, backed by host memory. It exists so that the suballocation,
// staging, handle-table and draw-state logic can be exercised by tests
// without a real Vulkan device. It registers itself as "software";
// internal/ctxt picks the first registered driver whose name matches
// the requested one, so a program linking several backends selects
// between them by name.
package sw

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cadrgo/cadr/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver is the software driver.Driver/driver.GPU implementation.
type Driver struct {
	mu     sync.Mutex
	opened bool
	gpu    *gpu
}

func (d *Driver) Name() string { return "software" }

func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		d.gpu = &gpu{drv: d, nextAddr: 0x1000}
		d.opened = true
	}
	return d.gpu, nil
}

func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.gpu = nil
}

// gpu is the software driver.GPU. Every "device" address is simply a
// monotonically increasing host-memory-space offset; buffers keep their
// bytes in a Go slice, so CopyBuffer/CopyBufToImg can be implemented as
// plain slice copies instead of simulating PCIe transfer.
type gpu struct {
	drv      *Driver
	nextAddr uint64
	mused    [4]int64
}

func (g *gpu) Driver() driver.Driver { return g.drv }

func (g *gpu) NewCmdBuffer() (driver.CmdBuffer, error) {
	return &cmdBuffer{}, nil
}

func (g *gpu) NewBuffer(size int64, visible, addressable bool, usg driver.Usage) (driver.Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("sw: negative buffer size")
	}
	b := &buffer{
		data:    make([]byte, size),
		visible: true, // the software backend is always CPU-addressable
	}
	if addressable {
		b.addr = atomic.AddUint64(&g.nextAddr, uint64(size)+64) - uint64(size)
	}
	return b, nil
}

func (g *gpu) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, driver.MemoryReqs, error) {
	texelSize := int64(4)
	n := int64(size.Width) * int64(size.Height) * int64(max(size.Depth, 1)) * int64(max(layers, 1)) * texelSize
	img := &image{size: n}
	return img, driver.MemoryReqs{Size: n, Align: 256, TypeBits: 0b11}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (g *gpu) MemoryTypes() []driver.MemoryType {
	return []driver.MemoryType{
		{Props: driver.MDeviceLocal, Heap: 0},
		{Props: driver.MHostVisible | driver.MHostCoherent, Heap: 1},
	}
}

func (g *gpu) AllocMemory(img driver.Image, typeIndex int, size, offset int64) error {
	i := img.(*image)
	i.bound = true
	g.mused[typeIndex] += size
	return nil
}

func (g *gpu) NewFence(initValue uint64) (driver.Fence, error) {
	f := &fence{}
	f.value.Store(initValue)
	return f, nil
}

func (g *gpu) NewTimestampPool(n int) (driver.TimestampPool, error) {
	return &timestampPool{stamps: make([]uint64, n)}, nil
}

func (g *gpu) Commit(cb []driver.CmdBuffer, signal driver.Fence, signalValue uint64) error {
	for _, c := range cb {
		cc := c.(*cmdBuffer)
		for _, op := range cc.ops {
			op()
		}
	}
	if signal != nil {
		signal.(*fence).value.Store(signalValue)
	}
	return nil
}

func (g *gpu) WaitFences(fences []driver.Fence, values []uint64, timeout int64) error {
	// The software backend executes Commit synchronously, so every
	// fence has already reached its target value by the time Commit
	// returns.
	for i, f := range fences {
		v, _ := f.Value()
		if v < values[i] {
			return driver.ErrFatal
		}
	}
	return nil
}

func (g *gpu) Limits() driver.Limits {
	return driver.Limits{
		MaxImage2D:      16384,
		MaxLayers:       2048,
		MaxDescHeaps:    32,
		MaxDTexture:     250000,
		MaxMemoryAllocs: 4096,
		MaxDispatch:     [3]int{65535, 65535, 65535},
		BufferAlign:     16,
	}
}

type buffer struct {
	data    []byte
	visible bool
	addr    uint64
}

func (b *buffer) Destroy()         {}
func (b *buffer) Visible() bool    { return b.visible }
func (b *buffer) Bytes() []byte    { return b.data }
func (b *buffer) Cap() int64       { return int64(len(b.data)) }
func (b *buffer) Address() uint64  { return b.addr }

type image struct {
	size  int64
	bound bool
}

func (i *image) Destroy() {}
func (i *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	return &imageView{}, nil
}

type imageView struct{}

func (imageView) Destroy() {}

type fence struct {
	value atomic.Uint64
}

func (f *fence) Destroy()              {}
func (f *fence) Value() (uint64, error) { return f.value.Load(), nil }

type timestampPool struct {
	stamps []uint64
}

func (t *timestampPool) Destroy() {}
func (t *timestampPool) Read(index int) (uint64, error) { return t.stamps[index], nil }

// cmdBuffer records a list of thunks and replays them in Commit. This
// is sufficient to exercise the copy/barrier/indirect-draw recording
// logic of the storages and drawstate package without a real GPU
// timeline.
type cmdBuffer struct {
	ops       []func()
	recording bool
}

func (c *cmdBuffer) Destroy() {}

func (c *cmdBuffer) Begin() error {
	c.ops = c.ops[:0]
	c.recording = true
	return nil
}

func (c *cmdBuffer) BeginWork()                                       {}
func (c *cmdBuffer) EndWork()                                         {}
func (c *cmdBuffer) BeginPass(driver.RenderPass, driver.Framebuf, []driver.ClearValue) {}
func (c *cmdBuffer) EndPass()                                         {}
func (c *cmdBuffer) BindPipeline(driver.Pipeline)                     {}
func (c *cmdBuffer) BindDescTable(driver.DescTable, int, []int64)      {}
func (c *cmdBuffer) PushConstants(int64, []byte)                      {}

func (c *cmdBuffer) DrawIndexedIndirect(buf driver.Buffer, off int64, count int, stride int64) {
}

func (c *cmdBuffer) Dispatch(x, y, z int) {}

func (c *cmdBuffer) CopyBuffer(p *driver.BufferCopy) {
	from, to := p.From.(*buffer), p.To.(*buffer)
	c.ops = append(c.ops, func() {
		copy(to.data[p.ToOff:p.ToOff+p.Size], from.data[p.FromOff:p.FromOff+p.Size])
	})
}

func (c *cmdBuffer) CopyBufToImg(p *driver.BufImgCopy) {
	// The software image has no addressable texel storage (tests only
	// assert on the recorded call sequence), so this is a no-op beyond
	// bookkeeping.
	c.ops = append(c.ops, func() {})
}

func (c *cmdBuffer) Barrier(b []driver.Barrier)         {}
func (c *cmdBuffer) Transition(t []driver.Transition)   {}
func (c *cmdBuffer) WriteTimestamp(driver.TimestampPool, int, driver.Sync) {}

func (c *cmdBuffer) End() error {
	c.recording = false
	return nil
}

func (c *cmdBuffer) Reset() error {
	c.ops = c.ops[:0]
	c.recording = false
	return nil
}
