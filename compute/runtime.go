// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compute is the runtime through which callers enumerate compute devices, create contexts and buffers on
// them, load kernel programs, bind arguments to kernel symbols and dispatch asynchronous work, synchronizing
// through completion events.
//
// All resources are addressed by small opaque value handles (Device, Context, Buffer, Event, Program and Symbol)
// of the same size (HandleSize) for every backend. The operations on them are routed to the backend that created
// them through the capability table defined in package github.com/gomlx/unicompute/backends.
//
// Every fallible operation returns an error that wraps a results.Code: use results.CodeOf(err) to recover it.
// Asynchronous failures are only reported through the Event of the operation.
//
// A typical use:
//
//	rt := compute.Default()
//	devices := must.M1(rt.Devices())
//	ctx := must.M1(devices[0].CreateContext(compute.ContextConfig{}))
//	buf := must.M1(ctx.CreateBuffer(1024, compute.BufferConfig{}))
//	ev := must.M1(buf.Write(0, data))
//	must.M(ev.Join())
//	must.M(ev.Release())
package compute

import (
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Runtime owns the backends and all the resources created through them.
//
// It is safe for concurrent use.
type Runtime struct {
	backends []*backendState // Sorted by backend type.

	devices  arena[deviceRecord]
	contexts arena[contextRecord]
	buffers  arena[bufferRecord]
	events   arena[eventRecord]
	programs arena[programRecord]
	symbols  arena[symbolRecord]

	tracker leaks.Tracker

	// muFinalize is read-locked while devices and contexts are created, so Finalize sees them.
	muFinalize sync.RWMutex
	finalized  bool
}

type backendState struct {
	backend backends.Backend

	discoverOnce sync.Once
	devices      []backends.Device
}

var (
	muLiveRuntimes sync.Mutex
	liveRuntimes   = make(map[*Runtime]struct{})

	defaultOnce    sync.Once
	defaultRuntime *Runtime
	defaultErr     error
)

// New returns a new Runtime configured with backends.ConfigFromEnv.
// See NewWithConfig for the format of the configuration.
func New() (*Runtime, error) {
	return NewWithConfig(backends.ConfigFromEnv())
}

// NewWithConfig creates a Runtime with the backends selected by config.
//
// The format of config is a ";" separated list of "<backend_name>[:<backend_configuration>]", see
// backends.ConfigEnvVar. An empty config selects all registered backends.
//
// A selected backend whose constructor fails is logged and skipped: devices of other backends remain usable.
func NewWithConfig(config string) (*Runtime, error) {
	specs, err := backends.ParseConfig(config)
	if err != nil {
		return nil, err
	}
	var list []backends.Backend
	for _, spec := range specs {
		b, err := backends.New(spec.Name, spec.Config)
		if err != nil {
			if results.CodeOf(err) == results.InvalidArgument {
				return nil, errors.WithMessagef(err, "invalid configuration for backend %q", spec.Name)
			}
			klog.Warningf("compute: backend %q not available: %v", spec.Name, err)
			continue
		}
		list = append(list, b)
	}
	return NewWithBackends(list...)
}

// NewWithBackends creates a Runtime that drives the given backend instances. The Runtime takes ownership of them,
// and finalizes them in Runtime.Finalize.
//
// It fails with results.InvalidArgument if two backends share the same backends.Type.
func NewWithBackends(list ...backends.Backend) (*Runtime, error) {
	rt := &Runtime{}
	for _, b := range list {
		for _, existing := range rt.backends {
			if existing.backend.Type() == b.Type() {
				return nil, errors.Wrapf(results.InvalidArgument, "backends %q and %q have the same type %s",
					existing.backend.Name(), b.Name(), b.Type())
			}
		}
		rt.backends = append(rt.backends, &backendState{backend: b})
	}
	slices.SortFunc(rt.backends, func(a, b *backendState) int {
		return int(a.backend.Type()) - int(b.backend.Type())
	})
	muLiveRuntimes.Lock()
	liveRuntimes[rt] = struct{}{}
	muLiveRuntimes.Unlock()
	return rt, nil
}

// Default returns the process wide Runtime, created on first use with New.
// It panics if it fails to be created.
func Default() *Runtime {
	defaultOnce.Do(func() {
		defaultRuntime, defaultErr = New()
	})
	if defaultErr != nil {
		exceptions.Panicf("failed to create default compute.Runtime: %+v", defaultErr)
	}
	return defaultRuntime
}

// Backends returns the types of the backends driven by this runtime, in order.
func (rt *Runtime) Backends() []backends.Type {
	types := make([]backends.Type, len(rt.backends))
	for ii, state := range rt.backends {
		types[ii] = state.backend.Type()
	}
	return types
}

// Backend returns the backend instance of the given type.
func (rt *Runtime) Backend(backendType backends.Type) (backends.Backend, bool) {
	for _, state := range rt.backends {
		if state.backend.Type() == backendType {
			return state.backend, true
		}
	}
	return nil, false
}

// DetectMemoryLeaks returns true if there are resources created through this runtime that were not deinitialized.
// Use LeakReport for the details.
func (rt *Runtime) DetectMemoryLeaks() bool {
	return rt.tracker.HasLeaks()
}

// LeakReport lists the resources still alive, or returns an empty string if there are none.
// Allocation sites are only recorded for resources created in contexts in debug mode.
func (rt *Runtime) LeakReport() string {
	return rt.tracker.Report()
}

// Finalize the backends of the runtime. It returns an error wrapping results.ResourceBusy, and finalizes nothing,
// if there are still live resources: see LeakReport.
//
// Finalizing twice is a no-op. Afterwards GetDevices and CreateContext fail with results.InvalidHandle.
func (rt *Runtime) Finalize() error {
	rt.muFinalize.Lock()
	defer rt.muFinalize.Unlock()
	if rt.finalized {
		return nil
	}
	if rt.tracker.HasLeaks() {
		return errors.Wrapf(results.ResourceBusy, "compute.Runtime.Finalize(): %s", rt.tracker.Report())
	}
	rt.finalized = true
	for _, state := range rt.backends {
		state.backend.Finalize()
	}
	muLiveRuntimes.Lock()
	delete(liveRuntimes, rt)
	muLiveRuntimes.Unlock()
	return nil
}

// rlockAlive read-locks muFinalize, or fails with results.InvalidHandle if the runtime was finalized.
// On success the caller must call rt.muFinalize.RUnlock().
func (rt *Runtime) rlockAlive() error {
	rt.muFinalize.RLock()
	if rt.finalized {
		rt.muFinalize.RUnlock()
		return errors.Wrap(results.InvalidHandle, "compute.Runtime was finalized")
	}
	return nil
}

// DetectMemoryLeaks returns true if any runtime not yet finalized has resources that were not deinitialized.
func DetectMemoryLeaks() bool {
	muLiveRuntimes.Lock()
	defer muLiveRuntimes.Unlock()
	for rt := range liveRuntimes {
		if rt.DetectMemoryLeaks() {
			return true
		}
	}
	return false
}

// callSite returns "file:line" of the caller of the public API, skip frames above the caller of callSite.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
