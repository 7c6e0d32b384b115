// Package driver defines a set of interfaces encompassing the GPU
// capability surface this module consumes: instance/
// device/queue creation, buffer/image creation with memory-type
// introspection, device-local and host-visible allocation, buffer
// device-address queries, persistent host mapping, command-buffer
// recording with barriers/copies/indirect draws/dispatches/push
// constants/descriptor binding, and timeline fences with timestamp
// queries.
//
// The concrete binding (package driver/vk) targets Vulkan 1.2 with the
// bufferDeviceAddress and descriptor-indexing features required; a
// second, dependency-free backend (package driver/sw) backs unit tests
// that do not need a real GPU.
package driver

import (
	"errors"
	"log/slog"
	"sync"
)

// Driver is the interface that provides methods for loading and
// unloading an underlying implementation.
type Driver interface {
	// Open initializes the driver.
	// If it succeeds, further calls with the same receiver have no
	// effect and must return the same GPU instance.
	Open() (GPU, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	Close()
}

// ErrNotInstalled means that a platform-specific library required for
// the driver to work is not present in the system (e.g. vulkan-1.dll /
// libvulkan.so.1 could not be loaded).
var ErrNotInstalled = errors.New("driver: missing required library")

// ErrNoDevice means that no suitable device could be found, e.g. one
// exposing bufferDeviceAddress and descriptor indexing.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNoHostMemory means that host memory could not be allocated.
var ErrNoHostMemory = errors.New("driver: out of host memory")

// ErrNoDeviceMemory means that device memory could not be allocated.
var ErrNoDeviceMemory = errors.New("driver: out of device memory")

// ErrFatal means the driver is in an unrecoverable state; a fence-wait
// timeout is reported this way.
var ErrFatal = errors.New("driver: fatal error")

// Drivers returns the registered Drivers.
// Client code imports specific driver packages, which call Register
// from init.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver.
// If a driver with the same name has already been registered, it is
// replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			slog.Warn("driver replaced", "name", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	slog.Info("driver registered", "name", drv.Name())
}

var (
	mu      sync.Mutex
	drivers []Driver
)
