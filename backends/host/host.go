// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements the host (CPU) backend: a single device backed by a pool of worker goroutines.
//
// Buffers live in host memory, and transfers are executed by the pool. Programs are either Go kernel modules
// registered in-process with RegisterModule, or native shared libraries (ELF or Mach-O) loaded with purego,
// whose exported C functions are called once per dispatch.
//
// Configuration options (see backends.ParseOptions): "parallelism=N" sets the number of workers, it defaults
// to runtime.NumCPU(), and -1 means unlimited.
package host

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/workerspool"
	"github.com/gomlx/unicompute/results"
)

// BackendName to be used in the backends configuration to select this backend.
const BackendName = "host"

// Native result codes of the host backend.
const (
	// CodeBackendFinalized is returned for operations submitted after the backend was finalized.
	CodeBackendFinalized = results.HostRangeStart - 1
	// CodeNativeUnsupported is returned when loading native libraries on platforms without dlopen support.
	CodeNativeUnsupported = results.HostRangeStart - 2
)

func init() {
	results.MustRegister(CodeBackendFinalized, "HostBackendFinalized")
	results.MustRegister(CodeNativeUnsupported, "HostNativeUnsupported")
	backends.Register(BackendName, backends.TypeHost, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements backends.Backend for the host.
type Backend struct {
	pool      *workerspool.Pool
	device    *Device
	finalized atomic.Bool
}

// Compile-time check that Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New constructs the host backend with the given configuration.
// It fails with results.InvalidArgument for unknown options or invalid values.
func New(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	parallelism, err := backends.IntOption(options, "parallelism", runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	delete(options, "parallelism")
	for key := range options {
		return nil, errors.Wrapf(results.InvalidArgument, "unknown option %q for backend %q", key, BackendName)
	}
	if parallelism == 0 || parallelism < -1 {
		return nil, errors.Wrapf(results.InvalidArgument, "backend %q: parallelism must be > 0 or -1 (unlimited), got %d",
			BackendName, parallelism)
	}
	b := &Backend{pool: workerspool.New()}
	b.pool.SetMaxParallelism(parallelism)
	b.device = newDevice(b)
	return b, nil
}

// Type implements backends.Backend.
func (b *Backend) Type() backends.Type { return backends.TypeHost }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	parallelism := "unlimited"
	if p := b.pool.MaxParallelism(); p > 0 {
		parallelism = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("Host CPU backend (%s/%s, %s workers)", runtime.GOOS, runtime.GOARCH, parallelism)
}

// Parallelism returns the maximum number of workers executing operations concurrently, or -1 if unlimited.
func (b *Backend) Parallelism() int { return b.pool.MaxParallelism() }

// Devices implements backends.Backend. The host has a single device.
func (b *Backend) Devices() ([]backends.Device, error) {
	return []backends.Device{b.device}, nil
}

// Finalize waits for all queued operations to finish, and invalidates the backend.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
	b.pool.Wait()
}

// submit enqueues the operation in the workers pool: it is pending while queued, and running once a
// worker picks it up.
func (b *Backend) submit(done backends.Completion, op func() error) error {
	if b.finalized.Load() {
		return errors.Wrap(CodeBackendFinalized, "host backend was finalized")
	}
	b.pool.Enqueue(func() {
		done.Start()
		done.Finish(op())
	})
	return nil
}
