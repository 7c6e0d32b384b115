package drawstate

import (
	"encoding/binary"

	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/staging"
)

// IndirectStride is the byte stride of one indirect-draw record in the
// shared buffer: VkDrawIndexedIndirectCommand's five 32-bit fields.
const IndirectStride = 20

// IndirectCommand mirrors VkDrawIndexedIndirectCommand. The compute
// pass writes these records; the CPU never does outside tests.
type IndirectCommand struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
}

// Builder owns the per-frame indirect-draw build: it uploads every
// visible state set's DrawableGpuData vector through the
// staging pipeline, dispatches the indirect-build compute shader once
// per visible state set, then walks the tree issuing one indirect draw
// per node.
type Builder struct {
	gpu     driver.GPU
	storage *data.Storage
	manager *staging.Manager

	// pipeline is the caller-supplied compute pipeline that expands
	// DrawableGpuData into indirect commands; its bytecode is consumed
	// as an opaque blob.
	pipeline driver.Pipeline

	indirect    driver.Buffer
	indirectCap int

	total int
}

// NewBuilder creates a Builder. pipeline may be nil when no compute
// backend is present (the software driver used in tests).
func NewBuilder(gpu driver.GPU, storage *data.Storage, manager *staging.Manager, pipeline driver.Pipeline) *Builder {
	return &Builder{gpu: gpu, storage: storage, manager: manager, pipeline: pipeline}
}

// IndirectBuffer returns the shared indirect-draw buffer, nil until
// the first BuildIndirect call.
func (b *Builder) IndirectBuffer() driver.Buffer { return b.indirect }

// PrepareRecording walks the tree rooted at root, marks empty
// subtrees as skip, assigns each visible state set its slot range in
// the indirect buffer in depth-first insertion order, and returns the
// total drawable count.
func (b *Builder) PrepareRecording(root *StateSet) int {
	b.total = 0
	prepare(root, &b.total)
	return b.total
}

func prepare(s *StateSet, counter *int) (visible bool) {
	s.firstIndirect = *counter
	*counter += len(s.drawables)
	visible = len(s.drawables) > 0
	for _, c := range s.children {
		if prepare(c, counter) {
			visible = true
		}
	}
	s.skip = !visible
	return visible
}

// UploadGpuData refreshes the device-visible DrawableGpuData copy of
// every visible, dirty state set under root through the staging
// pipeline. PrepareRecording must have run this frame.
func (b *Builder) UploadGpuData(root *StateSet) error {
	if root.skip {
		return nil
	}
	if err := b.uploadOne(root); err != nil {
		return err
	}
	for _, c := range root.children {
		if err := b.UploadGpuData(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) uploadOne(s *StateSet) error {
	if len(s.drawables) == 0 || !s.gpuDirty {
		return nil
	}
	need := int64(len(s.drawables)) * drawableGpuDataSize

	alloc := s.gpuAlloc
	switch {
	case alloc == nil:
		a, err := b.storage.Alloc(need)
		if err != nil {
			return err
		}
		alloc = a
	case alloc.Size() < need:
		a, err := b.storage.Realloc(alloc, need)
		if err != nil {
			return err
		}
		alloc = a
	}
	s.gpuAlloc = alloc

	sd, err := b.manager.CreateStagingData(alloc, alloc.Offset())
	if err != nil {
		return err
	}
	buf := sd.Bytes()
	for i := range s.drawables {
		s.drawables[i].gpu.put(buf[i*drawableGpuDataSize:])
	}
	b.manager.Submit(sd)
	s.gpuDirty = false
	return nil
}

// ensureIndirect sizes the shared indirect buffer for n records,
// recreating it only on growth.
func (b *Builder) ensureIndirect(n int) error {
	need := n * IndirectStride
	if b.indirect != nil && b.indirectCap >= need {
		return nil
	}
	if b.indirect != nil {
		b.indirect.Destroy()
		b.indirect = nil
	}
	size := int64(max(need, 64*IndirectStride))
	buf, err := b.gpu.NewBuffer(size, false, true, driver.UIndirectData|driver.UShaderWrite|driver.UTransferDst)
	if err != nil {
		return cadrerr.DriverFailure("drawstate: new indirect buffer", err)
	}
	b.indirect = buf
	b.indirectCap = int(size)
	return nil
}

// buildPush is the push-constant block handed to the indirect-build
// compute shader: the state set's DrawableGpuData base pointer, the
// destination slot in the indirect buffer, the handle-table root, and
// the drawable count.
func buildPush(gpuDataAddr, indirectAddr, handleRoot uint64, count uint32) []byte {
	var p [32]byte
	binary.LittleEndian.PutUint64(p[0:], gpuDataAddr)
	binary.LittleEndian.PutUint64(p[8:], indirectAddr)
	binary.LittleEndian.PutUint64(p[16:], handleRoot)
	binary.LittleEndian.PutUint32(p[24:], count)
	return p[:]
}

// buildGroupSize is the compute shader's workgroup width.
const buildGroupSize = 64

// BuildIndirect records the compute pass that writes indirect-draw
// commands for every visible state set under root, followed by the
// barrier ordering those writes before the indirect-draw reads. handleRoot is the handle table's root device
// address. PrepareRecording and UploadGpuData must have run this frame.
func (b *Builder) BuildIndirect(cb driver.CmdBuffer, root *StateSet, handleRoot uint64) error {
	if err := b.ensureIndirect(max(b.total, 1)); err != nil {
		return err
	}
	if root.skip {
		return nil
	}

	// Order this frame's staged copies before the compute reads.
	cb.Barrier([]driver.Barrier{{
		SyncBefore: driver.SCopy, SyncAfter: driver.SComputeShading,
		AccessBefore: driver.ACopyWrite, AccessAfter: driver.AShaderRead,
	}})

	cb.BeginWork()
	if b.pipeline != nil {
		cb.BindPipeline(b.pipeline)
	}
	b.dispatch(cb, root, handleRoot)
	cb.EndWork()

	cb.Barrier([]driver.Barrier{{
		SyncBefore: driver.SComputeShading, SyncAfter: driver.SDraw,
		AccessBefore: driver.AShaderWrite, AccessAfter: driver.AAnyRead,
	}})
	return nil
}

func (b *Builder) dispatch(cb driver.CmdBuffer, s *StateSet, handleRoot uint64) {
	if s.skip {
		return
	}
	if n := len(s.drawables); n > 0 {
		dst := b.indirect.Address() + uint64(s.firstIndirect*IndirectStride)
		cb.PushConstants(0, buildPush(s.gpuAlloc.Address(), dst, handleRoot, uint32(n)))
		cb.Dispatch((n+buildGroupSize-1)/buildGroupSize, 1, 1)
	}
	for _, c := range s.children {
		b.dispatch(cb, c, handleRoot)
	}
}

// RecordToCommandBuffer walks the tree depth-first in insertion
// order: at each node it binds the pipeline when it
// differs from the inherited one, binds descriptor sets, invokes the
// user record callbacks, and issues one indirect draw per state set
// with the node's drawable counter determining its offset in the
// indirect buffer. The caller brackets the walk with BeginPass/EndPass.
func (b *Builder) RecordToCommandBuffer(cb driver.CmdBuffer, root *StateSet) {
	b.record(cb, root, nil)
}

func (b *Builder) record(cb driver.CmdBuffer, s *StateSet, inherited driver.Pipeline) {
	if s.skip {
		return
	}
	bound := inherited
	if s.pipeline != nil && s.pipeline != inherited {
		cb.BindPipeline(s.pipeline)
		bound = s.pipeline
	}
	if s.descTable != nil {
		cb.BindDescTable(s.descTable, s.descStart, s.dynOff)
	}
	for _, c := range s.recordCalls {
		c.fn(cb)
	}
	if n := len(s.drawables); n > 0 {
		cb.DrawIndexedIndirect(b.indirect, int64(s.firstIndirect*IndirectStride), n, IndirectStride)
	}
	for _, c := range s.children {
		b.record(cb, c, bound)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
