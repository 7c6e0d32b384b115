package vk

import (
	"unsafe"

	"github.com/goki/vulkan"

	"github.com/cadrgo/cadr/driver"
)

// buffer implements driver.Buffer.
type buffer struct {
	dev     vulkan.Device
	buf     vulkan.Buffer
	mem     vulkan.DeviceMemory
	size    int64
	visible bool
	mapped  unsafe.Pointer
	addr    uint64
}

func (b *buffer) Destroy() {
	if b.mapped != nil {
		vulkan.UnmapMemory(b.dev, b.mem)
		b.mapped = nil
	}
	if b.buf != vulkan.NullBuffer {
		vulkan.DestroyBuffer(b.dev, b.buf, nil)
		b.buf = vulkan.NullBuffer
	}
	if b.mem != vulkan.NullDeviceMemory {
		vulkan.FreeMemory(b.dev, b.mem, nil)
		b.mem = vulkan.NullDeviceMemory
	}
}

func (b *buffer) Visible() bool { return b.visible }

func (b *buffer) Bytes() []byte {
	if !b.visible || b.mapped == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.mapped), b.size)
}

func (b *buffer) Cap() int64 { return b.size }

func (b *buffer) Address() uint64 { return b.addr }

// image implements driver.Image. Unlike buffer, memory is bound in a
// second step via gpu.AllocMemory, after the caller has scanned memory
// types and committed to one.
type image struct {
	dev vulkan.Device
	img vulkan.Image
	mem vulkan.DeviceMemory
}

func (i *image) Destroy() {
	if i.img != vulkan.NullImage {
		vulkan.DestroyImage(i.dev, i.img, nil)
		i.img = vulkan.NullImage
	}
	if i.mem != vulkan.NullDeviceMemory {
		vulkan.FreeMemory(i.dev, i.mem, nil)
		i.mem = vulkan.NullDeviceMemory
	}
}

func (i *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	viewType := vulkan.ImageViewType2d
	switch typ {
	case driver.IView2DArray:
		viewType = vulkan.ImageViewType2dArray
	case driver.IViewCube:
		viewType = vulkan.ImageViewTypeCube
	}
	info := vulkan.ImageViewCreateInfo{
		SType:    vulkan.StructureTypeImageViewCreateInfo,
		Image:    i.img,
		ViewType: viewType,
		SubresourceRange: vulkan.ImageSubresourceRange{
			AspectMask:     vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
			BaseMipLevel:   uint32(level),
			LevelCount:     uint32(levels),
			BaseArrayLayer: uint32(layer),
			LayerCount:     uint32(layers),
		},
	}
	var view vulkan.ImageView
	if res := vulkan.CreateImageView(i.dev, &info, nil, &view); res != vulkan.Success {
		return nil, driver.ErrFatal
	}
	return &imageView{dev: i.dev, view: view}, nil
}

type imageView struct {
	dev  vulkan.Device
	view vulkan.ImageView
}

func (v *imageView) Destroy() {
	if v.view != vulkan.NullImageView {
		vulkan.DestroyImageView(v.dev, v.view, nil)
		v.view = vulkan.NullImageView
	}
}

// fence implements driver.Fence over a Vulkan 1.2 timeline semaphore.
type fence struct {
	dev vulkan.Device
	sem vulkan.Semaphore
}

func (f *fence) Destroy() {
	if f.sem != vulkan.NullSemaphore {
		vulkan.DestroySemaphore(f.dev, f.sem, nil)
		f.sem = vulkan.NullSemaphore
	}
}

func (f *fence) Value() (uint64, error) {
	var v uint64
	if res := vulkan.GetSemaphoreCounterValue(f.dev, f.sem, &v); res != vulkan.Success {
		return 0, driver.ErrFatal
	}
	return v, nil
}

// timestampPool implements driver.TimestampPool.
type timestampPool struct {
	dev  vulkan.Device
	pool vulkan.QueryPool
}

func (t *timestampPool) Destroy() {
	if t.pool != vulkan.NullQueryPool {
		vulkan.DestroyQueryPool(t.dev, t.pool, nil)
		t.pool = vulkan.NullQueryPool
	}
}

func (t *timestampPool) Read(index int) (uint64, error) {
	var v uint64
	res := vulkan.GetQueryPoolResults(t.dev, t.pool, uint32(index), 1, 8, unsafe.Pointer(&v), 8,
		vulkan.QueryResultFlags(vulkan.QueryResult64Bit|vulkan.QueryResultWaitBit))
	if res != vulkan.Success {
		return 0, driver.ErrFatal
	}
	return v, nil
}
