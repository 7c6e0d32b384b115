package driver

// GPU is the main interface to an underlying driver implementation. It
// is obtained from a call to Driver.Open and is used to create buffers,
// images, command buffers, fences and timestamp pools, and to submit
// recorded work.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewBuffer creates a new buffer. visible requests host-visible
	// memory (used by staging); otherwise device-local memory is
	// preferred. If addressable is set, the buffer is created with the
	// device-address usage bit so Buffer.Address is valid.
	NewBuffer(size int64, visible, addressable bool, usg Usage) (Buffer, error)

	// NewImage creates a new image together with its memory
	// requirements, without binding memory. Callers use MemoryTypes and
	// AllocMemory to bind backing memory.
	NewImage(pf PixelFmt, size Dim3D, layers, levels, samples int, usg Usage) (Image, MemoryReqs, error)

	// MemoryTypes returns the memory types exposed by the physical
	// device, in driver-reported order. Bit i of a MemoryReqs.TypeBits
	// value selects MemoryTypes()[i].
	MemoryTypes() []MemoryType

	// AllocMemory allocates size bytes from the given memory-type index
	// and binds it to img at the given offset.
	AllocMemory(img Image, typeIndex int, size, offset int64) error

	// NewFence creates a timeline fence initialized to the given value.
	NewFence(initValue uint64) (Fence, error)

	// NewTimestampPool creates a pool of n GPU timestamp query slots.
	NewTimestampPool(n int) (TimestampPool, error)

	// Commit submits cb for execution. signal, if non-nil, is a fence
	// signaled with signalValue once every command buffer in cb
	// completes.
	Commit(cb []CmdBuffer, signal Fence, signalValue uint64) error

	// WaitFences blocks until every (fence, value) pair has been
	// reached or the timeout elapses. A timeout is reported via
	// ErrFatal.
	WaitFences(fences []Fence, values []uint64, timeout int64) error

	// Limits returns the implementation limits. Immutable for the
	// lifetime of the GPU.
	Limits() Limits
}

// Destroyer is the interface wrapping the Destroy method for types that
// hold external, non-GC-managed memory.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface defining a command buffer. Recording is
// split into logical blocks: a transfer block (Begin/barriers/copies),
// a compute block (BeginWork/Dispatch, used by the indirect-draw
// builder), and a graphics block (BeginPass/DrawIndexedIndirect). After
// recording, call End and then GPU.Commit.
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording. It must be
	// called before any other recording method and again after the
	// command buffer is committed or Reset.
	Begin() error

	// BeginWork begins a compute block.
	BeginWork()

	// EndWork ends the current compute block.
	EndWork()

	// BeginPass begins a render pass recording block bound to pass/fb.
	BeginPass(pass RenderPass, fb Framebuf, clear []ClearValue)

	// EndPass ends the current render pass block.
	EndPass()

	// BindPipeline binds a graphics or compute pipeline.
	BindPipeline(p Pipeline)

	// BindDescTable binds a range of descriptor heaps starting at
	// start, for either the graphics or the compute pipeline depending
	// on which was last bound.
	BindDescTable(table DescTable, start int, dynOff []int64)

	// PushConstants updates a push-constant range at the given byte
	// offset (typically base pointers to drawable payload and scene
	// data).
	PushConstants(offset int64, data []byte)

	// DrawIndexedIndirect issues count indexed draws, each consuming
	// one VkDrawIndexedIndirectCommand-shaped record of stride bytes
	// starting at off in buf.
	DrawIndexedIndirect(buf Buffer, off int64, count int, stride int64)

	// Dispatch dispatches compute thread groups (the indirect-draw
	// build runs as one).
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// CopyBuffer copies data between buffers.
	CopyBuffer(param *BufferCopy)

	// CopyBufToImg copies data from a buffer to an image.
	CopyBufToImg(param *BufImgCopy)

	// Barrier inserts global memory barriers.
	Barrier(b []Barrier)

	// Transition inserts image layout transitions.
	Transition(t []Transition)

	// WriteTimestamp writes a GPU timestamp into pool at the given
	// index, after all previously recorded work completes the named
	// pipeline stage.
	WriteTimestamp(pool TimestampPool, index int, stage Sync)

	// End ends command recording. Upon failure the command buffer is
	// reset.
	End() error

	// Reset discards all recorded commands.
	Reset() error
}

// BufferCopy describes a buffer-to-buffer copy.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// BufImgCopy describes a buffer-to-image (or image-to-buffer) copy
// region, one-to-one with Vulkan's VkBufferImageCopy.
type BufImgCopy struct {
	Buf    Buffer
	BufOff int64
	// Stride addresses image data in the buffer, in pixels. Stride[0]
	// is the row length, Stride[1] the image height.
	Stride [2]int64
	Img    Image
	ImgOff Off3D
	Layer  int
	Level  int
	Size   Dim3D
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	STopOfPipe Sync = 1 << iota
	SCopy
	SComputeShading
	SDraw
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	ACopyRead Access = 1 << iota
	ACopyWrite
	AShaderRead
	AShaderWrite
	AAnyRead
	AAnyWrite
	ANone Access = 0
)

// Layout is the type of an image layout.
type Layout int

// Image layouts.
const (
	LUndefined Layout = iota
	LCopyDst
	LCopySrc
	LShaderRead
	LColorTarget
	LPresent
)

// Barrier represents a global synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// Transition represents a layout transition of an image subresource,
// emitted around a copy-buffer-to-image command.
type Transition struct {
	Barrier
	LayoutBefore Layout
	LayoutAfter  Layout
	Img          Image
	Layer, Level int
}

// RenderPass, Framebuf, ClearValue, ShaderCode, Pipeline, DescHeap,
// DescTable are opaque driver resources. The shaders and pipeline state
// they encapsulate are created from caller-supplied bytecode and
// consumed as capability handles here.
type (
	RenderPass interface{ Destroyer }
	Framebuf   interface{ Destroyer }
	ShaderCode interface{ Destroyer }
	Pipeline   interface{ Destroyer }
	DescHeap   interface{ Destroyer }
	DescTable  interface{ Destroyer }
)

// ClearValue is a render-target/depth-stencil clear value.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	UShaderRead Usage = 1 << iota
	UShaderWrite
	UShaderConst
	UShaderSample
	UVertexData
	UIndexData
	UIndirectData
	URenderTarget
	UTransferSrc
	UTransferDst
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface defining a GPU buffer. Size is fixed at
// creation; suballocation is this module's job (C1/C2/C4).
type Buffer interface {
	Destroyer

	// Visible reports whether the buffer is host visible.
	Visible() bool

	// Bytes returns a slice of length Cap over the persistently mapped
	// host pointer. It returns nil if the buffer is not host visible.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes, which may
	// exceed the size requested at creation.
	Cap() int64

	// Address returns the buffer's device address. It is valid only if
	// the buffer was created with addressable=true.
	Address() uint64
}

// PixelFmt describes the format of a pixel.
type PixelFmt int

// Pixel formats.
const (
	RGBA8un PixelFmt = iota
	BGRA8un
	RGBA8sRGB
	RGBA16f
	RGBA32f
	D32f
)

// Dim3D is a three-dimensional size.
type Dim3D struct{ Width, Height, Depth int }

// Off3D is a three-dimensional offset.
type Off3D struct{ X, Y, Z int }

// Image is the interface defining a GPU image. Memory is bound
// separately via GPU.AllocMemory.
type Image interface {
	Destroyer

	// NewView creates a new image view.
	NewView(typ ViewType, layer, layers, level, levels int) (ImageView, error)
}

// ViewType is the type of a resource view.
type ViewType int

// View types.
const (
	IView2D ViewType = iota
	IView2DArray
	IViewCube
)

// ImageView is the interface defining a typed view of an Image.
type ImageView interface{ Destroyer }

// MemoryReqs describes an Image's memory requirements as reported by
// the driver.
type MemoryReqs struct {
	Size      int64
	Align     int64
	TypeBits  uint32
}

// MemoryProp is a mask of memory-type property flags.
type MemoryProp int

// Memory-type properties.
const (
	MDeviceLocal MemoryProp = 1 << iota
	MHostVisible
	MHostCoherent
	MHostCached
)

// MemoryType describes one driver-reported combination of heap and
// property flags.
type MemoryType struct {
	Props MemoryProp
	Heap  int
}

// Fence is a GPU timeline fence.
type Fence interface {
	Destroyer

	// Value returns the fence's current value without blocking.
	Value() (uint64, error)
}

// TimestampPool is a pool of GPU timestamp query slots used for frame
// timing.
type TimestampPool interface {
	Destroyer

	// Read reads back the timestamp at index, in nanoseconds. It must
	// only be called after the recording command buffer has completed.
	Read(index int) (uint64, error)
}

// Limits describes implementation limits, immutable for the lifetime
// of a GPU.
type Limits struct {
	MaxImage2D      int
	MaxLayers       int
	MaxDescHeaps    int
	MaxDTexture     int
	MaxMemoryAllocs int
	MaxDispatch     [3]int
	BufferAlign     int64
}
