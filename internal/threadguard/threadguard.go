//go:build !cadr_nocheck

// Package threadguard provides a debug-build assertion that every
// allocator, staging, handle-table, state-set, and frame operation runs
// on the single render goroutine that first touched its subsystem.
//
// The guard is compiled out entirely when built with -tags cadr_nocheck;
// see threadguard_nocheck.go.
package threadguard

import (
	"bytes"
	"runtime"
	"strconv"
)

// Guard records the goroutine that first calls Check and panics if a
// later call arrives from a different one. The zero value is ready for
// use; embed one per subsystem and call Check at every exported entry
// point.
type Guard struct {
	id int64
}

// Check binds the calling goroutine on first use and asserts it on
// every subsequent call.
func (g *Guard) Check() {
	id := goid()
	if g.id == 0 {
		g.id = id
		return
	}
	if g.id != id {
		panic("threadguard: accessed from a goroutine other than the one that created it")
	}
}

// goid extracts the current goroutine's id from the runtime stack
// header ("goroutine N [running]:"). There is no supported API for
// this; the parse is debug-build-only and the format has been stable
// across every Go release this module supports.
func goid() int64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	s := buf[:n]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		panic("threadguard: unparseable stack header")
	}
	return id
}
