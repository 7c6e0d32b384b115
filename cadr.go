// Package cadr is a CAD-oriented real-time rendering runtime: it lays
// out GPU memory for hundreds of thousands of small heterogeneous
// objects, schedules asynchronous host-to-device transfers, and
// amortizes draw-call cost via compute-built indirect rendering.
//
// The Renderer ties the subsystems together: the data, geometry and
// image storages (suballocation over large device-local buffers), the
// staging manager (CPU-visible scratch recycled per frame), the handle
// table (stable 64-bit handles to device addresses, mirrored on the
// GPU), the draw-state graph with its indirect-draw builder, and the
// frame loop driving fences and transfer completion.
package cadr

import (
	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/drawstate"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/frame"
	"github.com/cadrgo/cadr/geometry"
	"github.com/cadrgo/cadr/handle"
	"github.com/cadrgo/cadr/image"
	"github.com/cadrgo/cadr/internal/ctxt"
	"github.com/cadrgo/cadr/staging"
)

// Renderer owns one GPU's worth of rendering state. All methods must
// be called from a single render goroutine.
type Renderer struct {
	cfg Config
	gpu driver.GPU

	dataStorage  *data.Storage
	staging      *staging.Manager
	geomStorage  *geometry.Storage
	imageStorage *image.Storage
	handles      *handle.Table
	builder      *drawstate.Builder
	loop         *frame.Loop
}

// NewRenderer opens a driver per cfg.DriverName and assembles the
// subsystems over it.
func NewRenderer(cfg Config) (*Renderer, error) {
	if err := ctxt.Open(cfg.DriverName); err != nil {
		return nil, err
	}
	return NewRendererWithGPU(cfg, ctxt.GPU())
}

// NewRendererWithGPU assembles a Renderer over an already-open GPU.
func NewRendererWithGPU(cfg Config, gpu driver.GPU) (*Renderer, error) {
	ds := data.NewStorage(gpu, cfg.BufferSizeList, true)
	sm := staging.NewManager(gpu, staging.TierSizes{
		Small:     cfg.BufferSizeList.Small,
		Medium:    cfg.BufferSizeList.Medium,
		Large:     cfg.BufferSizeList.Large,
		SuperSize: cfg.BufferSizeList.Large * 2,
	})
	loop, err := frame.New(gpu, ds, sm)
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		cfg:          cfg,
		gpu:          gpu,
		dataStorage:  ds,
		staging:      sm,
		geomStorage:  geometry.NewStorage(gpu),
		imageStorage: image.NewStorage(gpu, image.SizeList(cfg.BufferSizeList)),
		handles:      handle.New(ds, sm),
		loop:         loop,
	}
	r.builder = drawstate.NewBuilder(gpu, ds, sm, nil)
	return r, nil
}

// Config returns the construction-time options.
func (r *Renderer) Config() Config { return r.cfg }

// GPU returns the underlying capability interface.
func (r *Renderer) GPU() driver.GPU { return r.gpu }

// DataStorage returns the device-local data suballocator.
func (r *Renderer) DataStorage() *data.Storage { return r.dataStorage }

// StagingManager returns the CPU-visible scratch manager.
func (r *Renderer) StagingManager() *staging.Manager { return r.staging }

// GeometryStorage returns the vertex/index/primitive-set suballocator.
func (r *Renderer) GeometryStorage() *geometry.Storage { return r.geomStorage }

// ImageStorage returns the per-memory-type image suballocator.
func (r *Renderer) ImageStorage() *image.Storage { return r.imageStorage }

// Handles returns the handle table.
func (r *Renderer) Handles() *handle.Table { return r.handles }

// Builder returns the indirect-draw builder.
func (r *Renderer) Builder() *drawstate.Builder { return r.builder }

// Loop returns the frame loop.
func (r *Renderer) Loop() *frame.Loop { return r.loop }

// SetBuildPipeline installs the caller-compiled compute pipeline that
// expands DrawableGpuData into indirect commands. Its bytecode is
// consumed as an opaque blob.
func (r *Renderer) SetBuildPipeline(p driver.Pipeline) {
	r.builder = drawstate.NewBuilder(r.gpu, r.dataStorage, r.staging, p)
}

// RenderFrame runs one full frame against the draw-state tree rooted
// at root: advance the frame, record all staged uploads, build the
// indirect-draw buffer in a compute pass, record the draw walk inside
// the caller's render pass, submit, wait, and retire completed
// transfers. pass/fb/clear describe the render target; they are
// opaque to the core.
func (r *Renderer) RenderFrame(root *drawstate.StateSet, pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue) error {
	n := r.loop.Begin()

	// Stage the draw-state GPU data before recording the upload so its
	// copies ride this frame's transfer batch; all submits precede the
	// frame's RecordUpload.
	r.builder.PrepareRecording(root)
	if err := r.builder.UploadGpuData(root); err != nil {
		return r.loop.DispatchError(err)
	}

	cb, err := r.gpu.NewCmdBuffer()
	if err != nil {
		return r.loop.DispatchError(err)
	}
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		return r.loop.DispatchError(err)
	}

	r.loop.RecordUpload(cb)

	if err := r.builder.BuildIndirect(cb, root, r.handles.RootDeviceAddress()); err != nil {
		return r.loop.DispatchError(err)
	}

	cb.BeginPass(pass, fb, clear)
	r.builder.RecordToCommandBuffer(cb, root)
	cb.EndPass()

	if err := cb.End(); err != nil {
		return r.loop.DispatchError(err)
	}
	if err := r.loop.Submit([]driver.CmdBuffer{cb}); err != nil {
		return r.loop.DispatchError(err)
	}
	if err := r.loop.Wait(n); err != nil {
		return r.loop.DispatchError(err)
	}
	return r.loop.DispatchError(r.loop.Complete())
}

// Destroy drains in-flight work, then releases the handle table's GPU
// mirrors, the geometry buffers and the data buffers. Staging memories,
// live images and the builder's indirect-draw buffer are not released,
// and if draining fails nothing is released.
func (r *Renderer) Destroy() {
	if err := r.loop.Shutdown(); err != nil {
		return
	}
	r.handles.DestroyAll()
	r.geomStorage.Destroy()
	r.dataStorage.Destroy()
}
