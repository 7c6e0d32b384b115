// Package frame implements per-frame orchestration: the frame counter
// driving allocation stamping, the FIFO of transfer records tying
// staged uploads to fence values, the blocking fence wait with its
// fatal-timeout policy, and GPU frame timing.
package frame

import (
	"log/slog"
	"os"
	"time"

	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/data"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/image"
	"github.com/cadrgo/cadr/internal/threadguard"
	"github.com/cadrgo/cadr/staging"
)

// DefaultWaitTimeout is the fence-wait deadline; exceeding it is
// treated as an unrecoverable GPU hang.
const DefaultWaitTimeout = 3 * time.Second

// Transfer ties one frame's recorded uploads to the fence value that
// signals their completion.
type Transfer struct {
	frame  uint64
	staged *staging.TransferRecord
	copies []*image.CopyRecord
}

// Loop drives frames over a single GPU timeline fence. All methods
// must be called from the render thread, in per-frame order: Begin,
// staged writes and submits, RecordUpload, Submit, Wait, Complete.
type Loop struct {
	guard   threadguard.Guard
	gpu     driver.GPU
	storage *data.Storage
	manager *staging.Manager

	fence driver.Fence
	frame uint64

	pending       []*Transfer
	pendingCopies []*image.CopyRecord

	tsPool  driver.TimestampPool
	timeout time.Duration
}

// New creates a Loop over gpu whose frame counter feeds storage and
// manager.
func New(gpu driver.GPU, storage *data.Storage, manager *staging.Manager) (*Loop, error) {
	fence, err := gpu.NewFence(0)
	if err != nil {
		return nil, cadrerr.DriverFailure("frame: new fence", err)
	}
	// Two timestamp slots per frame: frame start and frame end.
	pool, err := gpu.NewTimestampPool(2)
	if err != nil {
		fence.Destroy()
		return nil, cadrerr.DriverFailure("frame: new timestamp pool", err)
	}
	return &Loop{gpu: gpu, storage: storage, manager: manager, fence: fence, tsPool: pool, timeout: DefaultWaitTimeout}, nil
}

// Frame returns the current frame number.
func (l *Loop) Frame() uint64 { return l.frame }

// Begin advances the frame counter and propagates it to the storage
// layers so fresh allocations are stamped with it.
func (l *Loop) Begin() uint64 {
	l.guard.Check()
	l.frame++
	l.storage.SetFrame(l.frame)
	l.manager.SetFrame(l.frame)
	return l.frame
}

// AddImageCopy queues rec for recording into this frame's transfer
// command buffer and completion on this frame's fence.
func (l *Loop) AddImageCopy(rec *image.CopyRecord) {
	l.guard.Check()
	l.pendingCopies = append(l.pendingCopies, rec)
}

// RecordUpload records every staged data copy and queued image copy
// onto cb, bracketed by the frame's timestamp writes, and returns the
// frame's Transfer. Must be called once per frame, after every Submit
// on the staging side.
func (l *Loop) RecordUpload(cb driver.CmdBuffer) *Transfer {
	l.guard.Check()
	cb.WriteTimestamp(l.tsPool, 0, driver.STopOfPipe)

	staged := l.manager.RecordUpload(cb)
	copies := l.pendingCopies
	l.pendingCopies = nil
	for _, c := range copies {
		c.Record(cb)
	}

	cb.WriteTimestamp(l.tsPool, 1, driver.SAll)

	t := &Transfer{frame: l.frame, staged: staged, copies: copies}
	l.pending = append(l.pending, t)
	return t
}

// Submit commits cbs, arranging for the loop's fence to signal the
// current frame number on completion.
func (l *Loop) Submit(cbs []driver.CmdBuffer) error {
	l.guard.Check()
	if err := l.gpu.Commit(cbs, l.fence, l.frame); err != nil {
		return cadrerr.DriverFailure("frame: commit", err)
	}
	return nil
}

// Wait blocks until the fence reaches frame n. A timeout is an
// unrecoverable GPU hang.
func (l *Loop) Wait(n uint64) error {
	l.guard.Check()
	err := l.gpu.WaitFences([]driver.Fence{l.fence}, []uint64{n}, int64(l.timeout))
	if err != nil {
		return cadrerr.Timeout("frame: fence wait exceeded deadline")
	}
	return nil
}

// Complete retires every pending Transfer whose frame the fence has
// reached, strictly in FIFO order with respect to RecordUpload:
// staging memories recycle to their tiers and image copy records drop
// their in-flight counts.
func (l *Loop) Complete() error {
	l.guard.Check()
	done, err := l.fence.Value()
	if err != nil {
		return cadrerr.DriverFailure("frame: fence value", err)
	}
	for len(l.pending) > 0 && l.pending[0].frame <= done {
		t := l.pending[0]
		l.pending = l.pending[1:]
		l.manager.UploadDone(t.staged)
		for _, c := range t.copies {
			c.Done()
		}
	}
	return nil
}

// Info is the per-frame timing readback (GPU timestamps in
// nanoseconds).
type Info struct {
	Frame    uint64
	GpuStart uint64
	GpuEnd   uint64
}

// ReadInfo reads back the frame's timestamps. Only valid after Wait
// has returned for the frame that recorded them.
func (l *Loop) ReadInfo() (Info, error) {
	l.guard.Check()
	start, err := l.tsPool.Read(0)
	if err != nil {
		return Info{}, cadrerr.DriverFailure("frame: timestamp read", err)
	}
	end, err := l.tsPool.Read(1)
	if err != nil {
		return Info{}, cadrerr.DriverFailure("frame: timestamp read", err)
	}
	return Info{Frame: l.frame, GpuStart: start, GpuEnd: end}, nil
}

// Shutdown drains every in-flight transfer, then releases the loop's
// fence and timestamp pool.
func (l *Loop) Shutdown() error {
	l.guard.Check()
	if len(l.pending) > 0 {
		if err := l.Wait(l.pending[len(l.pending)-1].frame); err != nil {
			return err
		}
		if err := l.Complete(); err != nil {
			return err
		}
	}
	l.tsPool.Destroy()
	l.fence.Destroy()
	return nil
}

// DispatchError applies the frame-boundary error policy: timeouts are
// logged and abort the process; out-of-resources and
// driver failures are forwarded to the caller, whose typical response
// is to release allocations and retry.
func (l *Loop) DispatchError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case cadrerr.Is(err, cadrerr.KindTimeout):
		slog.Error("GPU hang: fence wait timed out", "err", err)
		os.Exit(1)
		return nil
	case cadrerr.Is(err, cadrerr.KindOutOfResources):
		slog.Warn("out of resources", "err", err)
		return err
	default:
		slog.Error("driver failure", "err", err)
		return err
	}
}
