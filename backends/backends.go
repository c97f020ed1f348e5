// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the capability table a compute backend needs to implement to be driven by
// package github.com/gomlx/unicompute/compute.
//
// The runtime owns handles, lifecycle bookkeeping, argument validation, and the event state machine. A
// backend only provides the primitives: device discovery, contexts, buffers with asynchronous transfers,
// and programs whose symbols can be launched. Every asynchronous primitive receives a Completion, and the
// backend must call Completion.Finish exactly once when the operation is done (and preferably
// Completion.Start when its executor accepts the work).
//
// Backends register themselves during initialization with Register. Adding a backend means implementing
// these interfaces once: nothing in the runtime branches on a specific backend.
package backends

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/results"
)

// Backend is the API that needs to be implemented by a compute backend.
type Backend interface {
	// Type returns the backend tag, stored in every handle created through this backend.
	Type() Type

	// Name returns the short name of the backend, as used in the configuration. E.g.: "host".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Devices discovers the devices of this backend.
	// The order must be stable for the lifetime of the Backend.
	Devices() ([]Device, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Device is one compute unit on a backend.
type Device interface {
	Vendor() string
	Name() string
	CoreCount() int

	// MaxFrequency in MHz, or 0 if not known.
	MaxFrequency() int

	// Features is a free form description of optional capabilities: CPU feature flags, driver extensions, etc.
	Features() string

	// NewContext creates an execution context on the device.
	NewContext(config ContextConfig) (Context, error)
}

// ContextConfig is the configuration given to Device.NewContext.
type ContextConfig struct {
	// Debug enables extra runtime checks and logging at a performance cost.
	Debug bool
}

// Context is an execution scope on a device, that owns buffers and programs.
type Context interface {
	// NewBuffer allocates size bytes of device memory. size is always > 0.
	NewBuffer(size int) (Buffer, error)

	// OpenProgram loads the kernel module at path. The interpretation of path is backend specific.
	OpenProgram(path string) (Program, error)

	// Finalize releases the backend session. It is only called once there are no more live resources.
	Finalize() error
}

// Buffer is a fixed size region of device memory.
//
// Offsets and lengths given to its methods are already validated against Size by the caller.
// The returned error is for synchronous failures only (nothing was enqueued, and done is never called).
// Otherwise, failures must be reported through done.Finish.
type Buffer interface {
	Size() int

	// Write src to the buffer at offset. src must not be used by the backend after done.Finish is called.
	Write(offset int, src []byte, done Completion) error

	// Read into dst from the buffer at offset.
	Read(offset int, dst []byte, done Completion) error

	// CopyTo copies length bytes at srcOffset to dst at dstOffset. dst is always a buffer of the same backend.
	CopyTo(srcOffset int, dst Buffer, dstOffset, length int, done Completion) error

	// Finalize frees the buffer. It is only called when there are no operations in flight.
	Finalize() error
}

// Program is a loaded kernel module.
type Program interface {
	// Symbol resolves the kernel entry point by name.
	Symbol(name string) (Symbol, error)

	// Finalize unloads the program. It is only called once all its symbols are finalized.
	Finalize() error
}

// Symbol is a kernel entry point.
type Symbol interface {
	// Params returns the declared parameters of the kernel.
	// If the backend can't introspect the kernel, it returns declared=false, and the runtime
	// accepts any contiguous list of bound arguments.
	Params() (params []Param, declared bool)

	// Launch the kernel with the given arguments over globalSize work items.
	// All arguments are bound and validated against Params.
	Launch(args []Arg, globalSize int, done Completion) error

	// Finalize releases the resources of the symbol.
	Finalize() error
}

// Completion is handed by the runtime to every asynchronous backend operation.
//
// Start marks the operation as running (accepted by the executor). It is optional.
// Finish marks the operation as complete with its result, and must be called exactly once.
// Both may be called from any goroutine.
type Completion interface {
	Start()
	Finish(err error)
}

// Constructor takes a configuration string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

type registration struct {
	name        string
	backendType Type
	constructor Constructor
}

var (
	muRegistry    sync.Mutex
	registrations []registration
)

// Register backend with the given name and type, and a constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, backendType Type, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	for ii, r := range registrations {
		if r.name == name || r.backendType == backendType {
			registrations[ii] = registration{name: name, backendType: backendType, constructor: constructor}
			return
		}
	}
	registrations = append(registrations, registration{name: name, backendType: backendType, constructor: constructor})
	slices.SortFunc(registrations, func(a, b registration) int { return int(a.backendType) - int(b.backendType) })
}

// List the names of the registered backends, in order of their types.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, len(registrations))
	for ii, r := range registrations {
		names[ii] = r.name
	}
	return names
}

// TypeOf returns the type of the backend registered under name.
func TypeOf(name string) (Type, bool) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	for _, r := range registrations {
		if r.name == name {
			return r.backendType, true
		}
	}
	return 0, false
}

// New constructs the backend registered under name with the given backend specific configuration.
//
// It returns an error wrapping results.BackendNotFound if no such backend was registered.
func New(name, config string) (Backend, error) {
	muRegistry.Lock()
	var constructor Constructor
	for _, r := range registrations {
		if r.name == name {
			constructor = r.constructor
			break
		}
	}
	muRegistry.Unlock()
	if constructor == nil {
		return nil, errors.Wrapf(results.BackendNotFound, "can't find backend %q (registered backends: %q) -- "+
			"maybe import the default ones with import _ \"github.com/gomlx/unicompute/backends/default\"?", name, List())
	}
	return constructor(config)
}

// MustNew is like New, but panics on error.
func MustNew(name, config string) Backend {
	b, err := New(name, config)
	if err != nil {
		exceptions.Panicf("backends.MustNew(%q, %q): %+v", name, config, err)
	}
	return b
}
