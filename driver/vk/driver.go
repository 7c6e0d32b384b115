// Package vk implements driver interfaces on top of Vulkan 1.2, using
// github.com/goki/vulkan as the loader/binding.
//
// The Vulkan loader is resolved once
// (vk.SetGetInstanceProcAddr + vk.Init, library scope), instance-scope
// entry points are filled on vk.CreateInstance, and device-scope entry
// points on vk.CreateDevice — mirroring cogentcore-core/driver/desktop's
// app.initVk. bufferDeviceAddress and descriptor indexing are requested
// as required device features; their absence surfaces driver.ErrNoDevice.
package vk

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/driver"
)

const driverName = "vulkan"

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	inst   vulkan.Instance
	pdev   vulkan.PhysicalDevice
	dev    vulkan.Device
	queue  vulkan.Queue
	qfam   uint32
	mprop  vulkan.PhysicalDeviceMemoryProperties
	lim    driver.Limits
	opened bool
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) Close() {
	if !d.opened {
		return
	}
	if d.dev != vulkan.NullDevice {
		vulkan.DeviceWaitIdle(d.dev)
		vulkan.DestroyDevice(d.dev, nil)
	}
	if d.inst != vulkan.NullInstance {
		vulkan.DestroyInstance(d.inst, nil)
	}
	d.opened = false
}

// Open bootstraps the Vulkan loader, picks the first physical device
// with a graphics/compute queue family, and creates a logical device
// with that single queue, requesting bufferDeviceAddress + descriptor
// indexing; a device that lacks them fails device creation, reported
// as driver.ErrNoDevice.
func (d *Driver) Open() (driver.GPU, error) {
	if d.opened {
		return (*gpu)(d), nil
	}
	if vulkan.SetGetInstanceProcAddr(nil) != vulkan.Success {
		// NOTE: a real windowing integration supplies the platform
		// loader's vkGetInstanceProcAddr here (see
		// cogentcore-core/driver/desktop's glfw.GetVulkanGetInstanceProcAddress);
		// headless callers rely on goki/vulkan's own dynamic lookup.
	}
	vulkan.Init()

	appInfo := vulkan.ApplicationInfo{
		SType:      vulkan.StructureTypeApplicationInfo,
		ApiVersion: vulkan.ApiVersion12,
	}
	instInfo := vulkan.InstanceCreateInfo{
		SType:            vulkan.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	var inst vulkan.Instance
	if res := vulkan.CreateInstance(&instInfo, nil, &inst); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrFatal, "vk: CreateInstance failed")
	}
	vulkan.InitInstance(inst)
	d.inst = inst

	var n uint32
	vulkan.EnumeratePhysicalDevices(inst, &n, nil)
	if n == 0 {
		return nil, driver.ErrNoDevice
	}
	pdevs := make([]vulkan.PhysicalDevice, n)
	vulkan.EnumeratePhysicalDevices(inst, &n, pdevs)

	pdev, qfam, err := pickDevice(pdevs)
	if err != nil {
		return nil, err
	}
	d.pdev = pdev
	d.qfam = qfam

	prio := float32(1)
	qInfo := vulkan.DeviceQueueCreateInfo{
		SType:            vulkan.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: qfam,
		QueueCount:       1,
		PQueuePriorities: []float32{prio},
	}
	bdaFeat := vulkan.PhysicalDeviceBufferDeviceAddressFeatures{
		SType:               vulkan.StructureTypePhysicalDeviceBufferDeviceAddressFeatures,
		BufferDeviceAddress: vulkan.True,
	}
	diFeat := vulkan.PhysicalDeviceDescriptorIndexingFeatures{
		SType: vulkan.StructureTypePhysicalDeviceDescriptorIndexingFeatures,
		ShaderSampledImageArrayNonUniformIndexing: vulkan.True,
		RuntimeDescriptorArray:                    vulkan.True,
		PNext: unsafe.Pointer(&bdaFeat),
	}
	devInfo := vulkan.DeviceCreateInfo{
		SType:                 vulkan.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:  1,
		PQueueCreateInfos:     []vulkan.DeviceQueueCreateInfo{qInfo},
		EnabledExtensionNames: []string{"VK_KHR_buffer_device_address"},
		PNext:                 unsafe.Pointer(&diFeat),
	}
	var dev vulkan.Device
	if res := vulkan.CreateDevice(pdev, &devInfo, nil, &dev); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrNoDevice, "vk: CreateDevice failed")
	}
	vulkan.InitDevice(dev)
	d.dev = dev

	var queue vulkan.Queue
	vulkan.GetDeviceQueue(dev, qfam, 0, &queue)
	d.queue = queue

	vulkan.GetPhysicalDeviceMemoryProperties(pdev, &d.mprop)
	d.lim = limitsFromDevice(pdev)

	d.opened = true
	slog.Info("vk: device opened", "queueFamily", qfam)
	return (*gpu)(d), nil
}

// pickDevice selects the first physical device with a queue family
// supporting graphics and compute (which implies transfer). Device
// features are not checked here; Open requests them at device creation.
func pickDevice(pdevs []vulkan.PhysicalDevice) (vulkan.PhysicalDevice, uint32, error) {
	for _, pd := range pdevs {
		var n uint32
		vulkan.GetPhysicalDeviceQueueFamilyProperties(pd, &n, nil)
		fams := make([]vulkan.QueueFamilyProperties, n)
		vulkan.GetPhysicalDeviceQueueFamilyProperties(pd, &n, fams)
		for i, f := range fams {
			f.QueueFlags.Unmask()
			need := vulkan.QueueFlags(vulkan.QueueGraphicsBit | vulkan.QueueComputeBit)
			if vulkan.QueueFlagBits(f.QueueFlags)&vulkan.QueueFlagBits(need) == vulkan.QueueFlagBits(need) {
				return pd, uint32(i), nil
			}
		}
	}
	return nil, 0, driver.ErrNoDevice
}

func limitsFromDevice(pdev vulkan.PhysicalDevice) driver.Limits {
	var props vulkan.PhysicalDeviceProperties
	vulkan.GetPhysicalDeviceProperties(pdev, &props)
	props.Limits.Deref()
	return driver.Limits{
		MaxImage2D:      int(props.Limits.MaxImageDimension2D),
		MaxLayers:       int(props.Limits.MaxImageArrayLayers),
		MaxDescHeaps:    int(props.Limits.MaxBoundDescriptorSets),
		MaxDTexture:     250000,
		MaxMemoryAllocs: int(props.Limits.MaxMemoryAllocationCount),
		MaxDispatch: [3]int{
			int(props.Limits.MaxComputeWorkGroupCount[0]),
			int(props.Limits.MaxComputeWorkGroupCount[1]),
			int(props.Limits.MaxComputeWorkGroupCount[2]),
		},
		BufferAlign: int64(props.Limits.MinStorageBufferOffsetAlignment),
	}
}

// gpu is Driver reinterpreted as a driver.GPU (the two are the same
// object: a Vulkan device has exactly one capability scope in this
// module, it is never shared across more than one GPU front end).
type gpu struct {
	inst   vulkan.Instance
	pdev   vulkan.PhysicalDevice
	dev    vulkan.Device
	queue  vulkan.Queue
	qfam   uint32
	mprop  vulkan.PhysicalDeviceMemoryProperties
	lim    driver.Limits
	opened bool
}

func (g *gpu) Driver() driver.Driver { return (*Driver)(g) }

func (g *gpu) Limits() driver.Limits { return g.lim }

func (g *gpu) MemoryTypes() []driver.MemoryType {
	g.mprop.Deref()
	n := int(g.mprop.MemoryTypeCount)
	types := make([]driver.MemoryType, n)
	for i := 0; i < n; i++ {
		mt := g.mprop.MemoryTypes[i]
		mt.Deref()
		var p driver.MemoryProp
		flags := vulkan.MemoryPropertyFlagBits(mt.PropertyFlags)
		if flags&vulkan.MemoryPropertyDeviceLocalBit != 0 {
			p |= driver.MDeviceLocal
		}
		if flags&vulkan.MemoryPropertyHostVisibleBit != 0 {
			p |= driver.MHostVisible
		}
		if flags&vulkan.MemoryPropertyHostCoherentBit != 0 {
			p |= driver.MHostCoherent
		}
		if flags&vulkan.MemoryPropertyHostCachedBit != 0 {
			p |= driver.MHostCached
		}
		types[i] = driver.MemoryType{Props: p, Heap: int(mt.HeapIndex)}
	}
	return types
}

func toVkUsage(usg driver.Usage, visible bool) vulkan.BufferUsageFlagBits {
	var f vulkan.BufferUsageFlagBits
	if usg&driver.UVertexData != 0 {
		f |= vulkan.BufferUsageVertexBufferBit
	}
	if usg&driver.UIndexData != 0 {
		f |= vulkan.BufferUsageIndexBufferBit
	}
	if usg&driver.UIndirectData != 0 {
		f |= vulkan.BufferUsageIndirectBufferBit
	}
	if usg&(driver.UShaderRead|driver.UShaderWrite) != 0 {
		f |= vulkan.BufferUsageStorageBufferBit
	}
	if usg&driver.UShaderConst != 0 {
		f |= vulkan.BufferUsageUniformBufferBit
	}
	if usg&driver.UTransferSrc != 0 || visible {
		f |= vulkan.BufferUsageTransferSrcBit
	}
	if usg&driver.UTransferDst != 0 {
		f |= vulkan.BufferUsageTransferDstBit
	}
	return f
}

// NewBuffer creates a buffer and binds memory for it in one step; the
// storages suballocate within it. addressable requests the
// VK_BUFFER_USAGE_SHADER_DEVICE_ADDRESS_BIT + allocate-flags path so
// Buffer.Address is meaningful.
func (g *gpu) NewBuffer(size int64, visible, addressable bool, usg driver.Usage) (driver.Buffer, error) {
	usage := toVkUsage(usg, visible)
	if addressable {
		usage |= vulkan.BufferUsageFlagBits(vulkan.BufferUsageShaderDeviceAddressBit)
	}
	info := vulkan.BufferCreateInfo{
		SType:       vulkan.StructureTypeBufferCreateInfo,
		Size:        vulkan.DeviceSize(size),
		Usage:       vulkan.BufferUsageFlags(usage),
		SharingMode: vulkan.SharingModeExclusive,
	}
	var buf vulkan.Buffer
	if res := vulkan.CreateBuffer(g.dev, &info, nil, &buf); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrNoDeviceMemory, "vk: CreateBuffer failed")
	}

	var req vulkan.MemoryRequirements
	vulkan.GetBufferMemoryRequirements(g.dev, buf, &req)
	req.Deref()

	propMask := vulkan.MemoryPropertyDeviceLocalBit
	if visible {
		propMask = vulkan.MemoryPropertyHostVisibleBit | vulkan.MemoryPropertyHostCoherentBit
	}
	typeIndex, err := g.findMemoryType(req.MemoryTypeBits, propMask)
	if err != nil {
		vulkan.DestroyBuffer(g.dev, buf, nil)
		return nil, err
	}

	allocInfo := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: uint32(typeIndex),
	}
	var flagsInfo vulkan.MemoryAllocateFlagsInfo
	if addressable {
		flagsInfo = vulkan.MemoryAllocateFlagsInfo{
			SType: vulkan.StructureTypeMemoryAllocateFlagsInfo,
			Flags: vulkan.MemoryAllocateFlags(vulkan.MemoryAllocateDeviceAddressBit),
		}
		allocInfo.PNext = unsafe.Pointer(&flagsInfo)
	}
	var mem vulkan.DeviceMemory
	if res := vulkan.AllocateMemory(g.dev, &allocInfo, nil, &mem); res != vulkan.Success {
		vulkan.DestroyBuffer(g.dev, buf, nil)
		return nil, errors.Wrap(driver.ErrNoDeviceMemory, "vk: AllocateMemory failed")
	}
	vulkan.BindBufferMemory(g.dev, buf, mem, 0)

	b := &buffer{dev: g.dev, buf: buf, mem: mem, size: int64(req.Size), visible: visible}
	if visible {
		var ptr unsafe.Pointer
		if res := vulkan.MapMemory(g.dev, mem, 0, vulkan.DeviceSize(req.Size), 0, &ptr); res != vulkan.Success {
			b.Destroy()
			return nil, errors.Wrap(driver.ErrNoHostMemory, "vk: MapMemory failed")
		}
		b.mapped = ptr
	}
	if addressable {
		addrInfo := vulkan.BufferDeviceAddressInfo{
			SType:  vulkan.StructureTypeBufferDeviceAddressInfo,
			Buffer: buf,
		}
		b.addr = uint64(vulkan.GetBufferDeviceAddress(g.dev, &addrInfo))
	}
	return b, nil
}

func (g *gpu) findMemoryType(typeBits uint32, props vulkan.MemoryPropertyFlagBits) (int, error) {
	g.mprop.Deref()
	n := int(g.mprop.MemoryTypeCount)
	for i := 0; i < n; i++ {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		mt := g.mprop.MemoryTypes[i]
		mt.Deref()
		if vulkan.MemoryPropertyFlagBits(mt.PropertyFlags)&props == props {
			return i, nil
		}
	}
	return 0, errors.Wrap(driver.ErrNoDeviceMemory, "vk: no matching memory type")
}

func (g *gpu) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, driver.MemoryReqs, error) {
	info := vulkan.ImageCreateInfo{
		SType:     vulkan.StructureTypeImageCreateInfo,
		ImageType: vulkan.ImageType2d,
		Format:    toVkFormat(pf),
		Extent: vulkan.Extent3D{
			Width:  uint32(size.Width),
			Height: uint32(size.Height),
			Depth:  uint32(max1(size.Depth)),
		},
		MipLevels:     uint32(max1(levels)),
		ArrayLayers:   uint32(max1(layers)),
		Samples:       vulkan.SampleCount1Bit,
		Tiling:        vulkan.ImageTilingOptimal,
		Usage:         vulkan.ImageUsageFlags(vulkan.ImageUsageTransferDstBit | vulkan.ImageUsageSampledBit),
		InitialLayout: vulkan.ImageLayoutUndefined,
	}
	var img vulkan.Image
	if res := vulkan.CreateImage(g.dev, &info, nil, &img); res != vulkan.Success {
		return nil, driver.MemoryReqs{}, errors.Wrap(driver.ErrNoDeviceMemory, "vk: CreateImage failed")
	}
	var req vulkan.MemoryRequirements
	vulkan.GetImageMemoryRequirements(g.dev, img, &req)
	req.Deref()
	return &image{dev: g.dev, img: img}, driver.MemoryReqs{
		Size:     int64(req.Size),
		Align:    int64(req.Alignment),
		TypeBits: req.MemoryTypeBits,
	}, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func toVkFormat(pf driver.PixelFmt) vulkan.Format {
	switch pf {
	case driver.BGRA8un:
		return vulkan.FormatB8g8r8a8Unorm
	case driver.RGBA8sRGB:
		return vulkan.FormatR8g8b8a8Srgb
	case driver.RGBA16f:
		return vulkan.FormatR16g16b16a16Sfloat
	case driver.RGBA32f:
		return vulkan.FormatR32g32b32a32Sfloat
	case driver.D32f:
		return vulkan.FormatD32Sfloat
	default:
		return vulkan.FormatR8g8b8a8Unorm
	}
}

func (g *gpu) AllocMemory(img driver.Image, typeIndex int, size, offset int64) error {
	i := img.(*image)
	allocInfo := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vulkan.DeviceSize(size),
		MemoryTypeIndex: uint32(typeIndex),
	}
	var mem vulkan.DeviceMemory
	if res := vulkan.AllocateMemory(g.dev, &allocInfo, nil, &mem); res != vulkan.Success {
		return errors.Wrap(driver.ErrNoDeviceMemory, "vk: AllocateMemory failed")
	}
	if res := vulkan.BindImageMemory(g.dev, i.img, mem, vulkan.DeviceSize(offset)); res != vulkan.Success {
		vulkan.FreeMemory(g.dev, mem, nil)
		return errors.Wrap(driver.ErrNoDeviceMemory, "vk: BindImageMemory failed")
	}
	i.mem = mem
	return nil
}

// NewFence creates a timeline semaphore initialized to initValue.
func (g *gpu) NewFence(initValue uint64) (driver.Fence, error) {
	typeInfo := vulkan.SemaphoreTypeCreateInfo{
		SType:         vulkan.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vulkan.SemaphoreTypeTimeline,
		InitialValue:  initValue,
	}
	info := vulkan.SemaphoreCreateInfo{
		SType: vulkan.StructureTypeSemaphoreCreateInfo,
		PNext: unsafe.Pointer(&typeInfo),
	}
	var sem vulkan.Semaphore
	if res := vulkan.CreateSemaphore(g.dev, &info, nil, &sem); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrFatal, "vk: CreateSemaphore failed")
	}
	return &fence{dev: g.dev, sem: sem}, nil
}

func (g *gpu) NewTimestampPool(n int) (driver.TimestampPool, error) {
	info := vulkan.QueryPoolCreateInfo{
		SType:      vulkan.StructureTypeQueryPoolCreateInfo,
		QueryType:  vulkan.QueryTypeTimestamp,
		QueryCount: uint32(n),
	}
	var pool vulkan.QueryPool
	if res := vulkan.CreateQueryPool(g.dev, &info, nil, &pool); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrFatal, "vk: CreateQueryPool failed")
	}
	return &timestampPool{dev: g.dev, pool: pool}, nil
}

func (g *gpu) NewCmdBuffer() (driver.CmdBuffer, error) {
	poolInfo := vulkan.CommandPoolCreateInfo{
		SType:            vulkan.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: g.qfam,
		Flags:            vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vulkan.CommandPool
	if res := vulkan.CreateCommandPool(g.dev, &poolInfo, nil, &pool); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrFatal, "vk: CreateCommandPool failed")
	}
	allocInfo := vulkan.CommandBufferAllocateInfo{
		SType:              vulkan.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vulkan.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vulkan.CommandBuffer, 1)
	if res := vulkan.AllocateCommandBuffers(g.dev, &allocInfo, cbs); res != vulkan.Success {
		return nil, errors.Wrap(driver.ErrFatal, "vk: AllocateCommandBuffers failed")
	}
	return &cmdBuffer{dev: g.dev, pool: pool, cb: cbs[0]}, nil
}

func (g *gpu) Commit(cb []driver.CmdBuffer, signal driver.Fence, signalValue uint64) error {
	vkCbs := make([]vulkan.CommandBuffer, len(cb))
	for i, c := range cb {
		vkCbs[i] = c.(*cmdBuffer).cb
	}
	submit := vulkan.SubmitInfo{
		SType:              vulkan.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(vkCbs)),
		PCommandBuffers:    vkCbs,
	}
	var tinfo vulkan.TimelineSemaphoreSubmitInfo
	if signal != nil {
		f := signal.(*fence)
		tinfo = vulkan.TimelineSemaphoreSubmitInfo{
			SType:                     vulkan.StructureTypeTimelineSemaphoreSubmitInfo,
			SignalSemaphoreValueCount: 1,
			PSignalSemaphoreValues:    []uint64{signalValue},
		}
		submit.SignalSemaphoreCount = 1
		submit.PSignalSemaphores = []vulkan.Semaphore{f.sem}
		submit.PNext = unsafe.Pointer(&tinfo)
	}
	if res := vulkan.QueueSubmit(g.queue, 1, []vulkan.SubmitInfo{submit}, vulkan.NullFence); res != vulkan.Success {
		return errors.Wrap(driver.ErrFatal, "vk: QueueSubmit failed")
	}
	return nil
}

// WaitFences waits on a set of timeline-semaphore values with the
// given timeout in nanoseconds, reporting a timeout as driver.ErrFatal
// (an unrecoverable GPU hang).
func (g *gpu) WaitFences(fences []driver.Fence, values []uint64, timeout int64) error {
	sems := make([]vulkan.Semaphore, len(fences))
	for i, f := range fences {
		sems[i] = f.(*fence).sem
	}
	info := vulkan.SemaphoreWaitInfo{
		SType:          vulkan.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: uint32(len(sems)),
		PSemaphores:    sems,
		PValues:        values,
	}
	res := vulkan.WaitSemaphores(g.dev, &info, uint64(timeout))
	if res == vulkan.Timeout {
		return errors.Wrap(driver.ErrFatal, fmt.Sprintf("vk: WaitSemaphores timed out after %dns", timeout))
	}
	if res != vulkan.Success {
		return errors.Wrap(driver.ErrFatal, "vk: WaitSemaphores failed")
	}
	return nil
}
