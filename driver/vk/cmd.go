package vk

import (
	"unsafe"

	"github.com/goki/vulkan"

	"github.com/cadrgo/cadr/driver"
)

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	dev  vulkan.Device
	pool vulkan.CommandPool
	cb   vulkan.CommandBuffer
	bind vulkan.PipelineBindPoint
}

func (c *cmdBuffer) Destroy() {
	if c.cb != nil {
		vulkan.FreeCommandBuffers(c.dev, c.pool, 1, []vulkan.CommandBuffer{c.cb})
		c.cb = nil
	}
	if c.pool != vulkan.NullCommandPool {
		vulkan.DestroyCommandPool(c.dev, c.pool, nil)
		c.pool = vulkan.NullCommandPool
	}
}

func (c *cmdBuffer) Begin() error {
	info := vulkan.CommandBufferBeginInfo{
		SType: vulkan.StructureTypeCommandBufferBeginInfo,
		Flags: vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vulkan.BeginCommandBuffer(c.cb, &info); res != vulkan.Success {
		return driver.ErrFatal
	}
	return nil
}

func (c *cmdBuffer) BeginWork() { c.bind = vulkan.PipelineBindPointCompute }
func (c *cmdBuffer) EndWork()   {}

func (c *cmdBuffer) BeginPass(pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue) {
	c.bind = vulkan.PipelineBindPointGraphics
	// RenderPass/Framebuf creation and attachment management belong to
	// the windowing/presentation layer that owns the swapchain; the
	// caller supplies them as opaque handles.
}

func (c *cmdBuffer) EndPass() { vulkan.CmdEndRenderPass(c.cb) }

func (c *cmdBuffer) BindPipeline(p driver.Pipeline) {
	vulkan.CmdBindPipeline(c.cb, c.bind, p.(vulkan.Pipeline))
}

func (c *cmdBuffer) BindDescTable(table driver.DescTable, start int, dynOff []int64) {
	offs := make([]uint32, len(dynOff))
	for i, o := range dynOff {
		offs[i] = uint32(o)
	}
	sets := []vulkan.DescriptorSet{table.(vulkan.DescriptorSet)}
	vulkan.CmdBindDescriptorSets(c.cb, c.bind, vulkan.PipelineLayout(nil), uint32(start), 1, sets, uint32(len(offs)), offs)
}

func (c *cmdBuffer) PushConstants(offset int64, data []byte) {
	vulkan.CmdPushConstants(c.cb, vulkan.PipelineLayout(nil),
		vulkan.ShaderStageFlags(vulkan.ShaderStageVertexBit|vulkan.ShaderStageFragmentBit|vulkan.ShaderStageComputeBit),
		uint32(offset), uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (c *cmdBuffer) DrawIndexedIndirect(buf driver.Buffer, off int64, count int, stride int64) {
	vulkan.CmdDrawIndexedIndirect(c.cb, buf.(*buffer).buf, vulkan.DeviceSize(off), uint32(count), uint32(stride))
}

func (c *cmdBuffer) Dispatch(x, y, z int) {
	vulkan.CmdDispatch(c.cb, uint32(x), uint32(y), uint32(z))
}

func (c *cmdBuffer) CopyBuffer(p *driver.BufferCopy) {
	region := vulkan.BufferCopy{
		SrcOffset: vulkan.DeviceSize(p.FromOff),
		DstOffset: vulkan.DeviceSize(p.ToOff),
		Size:      vulkan.DeviceSize(p.Size),
	}
	vulkan.CmdCopyBuffer(c.cb, p.From.(*buffer).buf, p.To.(*buffer).buf, 1, []vulkan.BufferCopy{region})
}

func (c *cmdBuffer) CopyBufToImg(p *driver.BufImgCopy) {
	region := vulkan.BufferImageCopy{
		BufferOffset:      vulkan.DeviceSize(p.BufOff),
		BufferRowLength:   uint32(p.Stride[0]),
		BufferImageHeight: uint32(p.Stride[1]),
		ImageSubresource: vulkan.ImageSubresourceLayers{
			AspectMask:     vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
			MipLevel:       uint32(p.Level),
			BaseArrayLayer: uint32(p.Layer),
			LayerCount:     1,
		},
		ImageOffset: vulkan.Offset3D{X: int32(p.ImgOff.X), Y: int32(p.ImgOff.Y), Z: int32(p.ImgOff.Z)},
		ImageExtent: vulkan.Extent3D{Width: uint32(p.Size.Width), Height: uint32(p.Size.Height), Depth: uint32(max1(p.Size.Depth))},
	}
	vulkan.CmdCopyBufferToImage(c.cb, p.Buf.(*buffer).buf, p.Img.(*image).img,
		vulkan.ImageLayoutTransferDstOptimal, 1, []vulkan.BufferImageCopy{region})
}

func toVkStage(s driver.Sync) vulkan.PipelineStageFlagBits {
	var f vulkan.PipelineStageFlagBits
	if s&driver.STopOfPipe != 0 {
		f |= vulkan.PipelineStageTopOfPipeBit
	}
	if s&driver.SCopy != 0 {
		f |= vulkan.PipelineStageTransferBit
	}
	if s&driver.SComputeShading != 0 {
		f |= vulkan.PipelineStageComputeShaderBit
	}
	if s&driver.SDraw != 0 {
		f |= vulkan.PipelineStageVertexInputBit | vulkan.PipelineStageFragmentShaderBit
	}
	if s&driver.SAll != 0 {
		f |= vulkan.PipelineStageAllCommandsBit
	}
	return f
}

func toVkAccess(a driver.Access) vulkan.AccessFlagBits {
	var f vulkan.AccessFlagBits
	if a&driver.ACopyRead != 0 {
		f |= vulkan.AccessTransferReadBit
	}
	if a&driver.ACopyWrite != 0 {
		f |= vulkan.AccessTransferWriteBit
	}
	if a&driver.AShaderRead != 0 {
		f |= vulkan.AccessShaderReadBit
	}
	if a&driver.AShaderWrite != 0 {
		f |= vulkan.AccessShaderWriteBit
	}
	return f
}

func toVkLayout(l driver.Layout) vulkan.ImageLayout {
	switch l {
	case driver.LCopyDst:
		return vulkan.ImageLayoutTransferDstOptimal
	case driver.LCopySrc:
		return vulkan.ImageLayoutTransferSrcOptimal
	case driver.LShaderRead:
		return vulkan.ImageLayoutShaderReadOnlyOptimal
	case driver.LColorTarget:
		return vulkan.ImageLayoutColorAttachmentOptimal
	case driver.LPresent:
		return vulkan.ImageLayoutPresentSrc
	default:
		return vulkan.ImageLayoutUndefined
	}
}

func (c *cmdBuffer) Barrier(b []driver.Barrier) {
	for _, bb := range b {
		mem := vulkan.MemoryBarrier{
			SType:         vulkan.StructureTypeMemoryBarrier,
			SrcAccessMask: vulkan.AccessFlags(toVkAccess(bb.AccessBefore)),
			DstAccessMask: vulkan.AccessFlags(toVkAccess(bb.AccessAfter)),
		}
		vulkan.CmdPipelineBarrier(c.cb,
			vulkan.PipelineStageFlags(toVkStage(bb.SyncBefore)),
			vulkan.PipelineStageFlags(toVkStage(bb.SyncAfter)),
			0, 1, []vulkan.MemoryBarrier{mem}, 0, nil, 0, nil)
	}
}

// Transition records image layout transitions: the pre-barrier ahead
// of a buffer-to-image copy, and the post-barrier that follows it.
func (c *cmdBuffer) Transition(t []driver.Transition) {
	for _, tt := range t {
		img := tt.Img.(*image).img
		imb := vulkan.ImageMemoryBarrier{
			SType:         vulkan.StructureTypeImageMemoryBarrier,
			SrcAccessMask: vulkan.AccessFlags(toVkAccess(tt.AccessBefore)),
			DstAccessMask: vulkan.AccessFlags(toVkAccess(tt.AccessAfter)),
			OldLayout:     toVkLayout(tt.LayoutBefore),
			NewLayout:     toVkLayout(tt.LayoutAfter),
			Image:         img,
			SubresourceRange: vulkan.ImageSubresourceRange{
				AspectMask:     vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
				BaseMipLevel:   uint32(tt.Level),
				LevelCount:     1,
				BaseArrayLayer: uint32(tt.Layer),
				LayerCount:     1,
			},
		}
		vulkan.CmdPipelineBarrier(c.cb,
			vulkan.PipelineStageFlags(toVkStage(tt.SyncBefore)),
			vulkan.PipelineStageFlags(toVkStage(tt.SyncAfter)),
			0, 0, nil, 0, nil, 1, []vulkan.ImageMemoryBarrier{imb})
	}
}

func (c *cmdBuffer) WriteTimestamp(pool driver.TimestampPool, index int, stage driver.Sync) {
	vulkan.CmdWriteTimestamp(c.cb, toVkStage(stage), pool.(*timestampPool).pool, uint32(index))
}

func (c *cmdBuffer) End() error {
	if res := vulkan.EndCommandBuffer(c.cb); res != vulkan.Success {
		vulkan.ResetCommandBuffer(c.cb, 0)
		return driver.ErrFatal
	}
	return nil
}

func (c *cmdBuffer) Reset() error {
	if res := vulkan.ResetCommandBuffer(c.cb, 0); res != vulkan.Success {
		return driver.ErrFatal
	}
	return nil
}
