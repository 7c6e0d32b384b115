// Package ctxt holds the single driver.GPU instance shared by every
// storage, the handle table and the draw-state graph: the staging and
// data pools are shared across subsystems but never across threads.
package ctxt

import (
	"errors"
	"strings"

	"github.com/cadrgo/cadr/driver"
)

var (
	drv    driver.Driver
	gpu    driver.GPU
	limits driver.Limits
)

var errNoDriver = errors.New("ctxt: driver not found")

// Set installs drv/gpu directly, bypassing driver selection by name.
// Used by tests that want a specific backend (e.g. driver/sw).
func Set(d driver.Driver, g driver.GPU) {
	drv = d
	gpu = g
	limits = g.Limits()
}

// Open attempts to load any registered driver whose name contains the
// given substring (case-sensitive); the empty string matches any
// driver. It assumes drv/gpu are unset and replaces both on success.
func Open(name string) error {
	drivers := driver.Drivers()
	err := errNoDriver
	for i := range drivers {
		if !strings.Contains(drivers[i].Name(), name) {
			continue
		}
		var g driver.GPU
		if g, err = drivers[i].Open(); err != nil {
			continue
		}
		drv = drivers[i]
		gpu = g
		limits = g.Limits()
		return nil
	}
	return err
}

// Driver returns the driver.Driver in use.
func Driver() driver.Driver { return drv }

// GPU returns the driver.GPU in use.
func GPU() driver.GPU { return gpu }

// Limits returns the Limits of the context's GPU. Retrieved once at
// Open/Set time; callers must not mutate the returned value.
func Limits() *driver.Limits { return &limits }
