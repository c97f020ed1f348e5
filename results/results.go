// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package results is the registry of result codes produced by the runtime and its backends.
//
// A result is a small signed integer: 0 is Success and negative values are failures. Every error
// returned by the runtime wraps one of these codes, so the integer protocol can be recovered from any
// error with CodeOf, and its name with Name.
//
// Backends register their native codes (e.g. OpenCL's cl_int values) during initialization with
// Register, so that Name can resolve them without the caller knowing which backend raised them.
//
// Nothing in this package depends on a runtime or device having been created.
package results

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Code is a result code. It implements the error interface, so it can be returned and wrapped directly:
//
//	return errors.Wrapf(results.OutOfBounds, "write of %d bytes at offset %d", n, offset)
type Code int32

// Core result codes.
const (
	Success Code = 0

	InvalidHandle  Code = -1
	InvalidDevice  Code = -2
	InvalidContext Code = -3
	InvalidBuffer  Code = -4
	InvalidEvent   Code = -5
	InvalidProgram Code = -6
	InvalidSymbol  Code = -7

	InvalidArgument      Code = -8
	InvalidSize          Code = -9
	OutOfBounds          Code = -10
	InsufficientCapacity Code = -11

	DeviceUnavailable Code = -12
	BackendNotFound   Code = -13
	ProgramLoadFailed Code = -14
	SymbolNotFound    Code = -15

	ContextMismatch      Code = -16
	UnsupportedOperation Code = -17
	ResourceBusy         Code = -18
	UnboundArgument      Code = -19
	ExecutionFailed      Code = -20
)

// Ranges reserved for backend native codes.
const (
	OpenCLRangeStart Code = -1000
	OpenCLRangeEnd   Code = -1999
	HostRangeStart   Code = -2000
	HostRangeEnd     Code = -2999
)

// UnknownName is returned by Name for codes that were never registered.
const UnknownName = "Unknown"

var (
	muRegistry sync.RWMutex
	registry   = map[Code]string{
		Success:              "Success",
		InvalidHandle:        "InvalidHandle",
		InvalidDevice:        "InvalidDevice",
		InvalidContext:       "InvalidContext",
		InvalidBuffer:        "InvalidBuffer",
		InvalidEvent:         "InvalidEvent",
		InvalidProgram:       "InvalidProgram",
		InvalidSymbol:        "InvalidSymbol",
		InvalidArgument:      "InvalidArgument",
		InvalidSize:          "InvalidSize",
		OutOfBounds:          "OutOfBounds",
		InsufficientCapacity: "InsufficientCapacity",
		DeviceUnavailable:    "DeviceUnavailable",
		BackendNotFound:      "BackendNotFound",
		ProgramLoadFailed:    "ProgramLoadFailed",
		SymbolNotFound:       "SymbolNotFound",
		ContextMismatch:      "ContextMismatch",
		UnsupportedOperation: "UnsupportedOperation",
		ResourceBusy:         "ResourceBusy",
		UnboundArgument:      "UnboundArgument",
		ExecutionFailed:      "ExecutionFailed",
	}
)

// Register a backend native code with its name.
//
// It should be called during initialization (in an `init` function) of the backend package.
// Registering a core code, a non-negative code, or registering the same code with a different name returns an error.
// Registering the same code with the same name again is a no-op.
func Register(code Code, name string) error {
	if code >= 0 {
		return errors.Errorf("results.Register(%d, %q): only negative codes can be registered", code, name)
	}
	if code > OpenCLRangeStart {
		return errors.Errorf("results.Register(%d, %q): code is in the range reserved for core results", code, name)
	}
	if name == "" || name == UnknownName {
		return errors.Errorf("results.Register(%d, %q): invalid name", code, name)
	}
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if previous, found := registry[code]; found {
		if previous == name {
			return nil
		}
		return errors.Errorf("results.Register(%d, %q): code already registered as %q", code, name, previous)
	}
	registry[code] = name
	return nil
}

// MustRegister is like Register, but panics on error.
func MustRegister(code Code, name string) {
	if err := Register(code, name); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// Name returns the stable human-readable identifier of code, or UnknownName if it was never registered.
func Name(code Code) string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	if name, found := registry[code]; found {
		return name
	}
	return UnknownName
}

// HasName returns whether code is registered with the given name.
func HasName(code Code, name string) bool {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	registered, found := registry[code]
	return found && registered == name
}

// All enumerates the known result codes and their names, sorted from Success down to the most negative code.
func All() (codes []Code, names []string) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	codes = make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, func(a, b Code) int { return int(b) - int(a) })
	names = make([]string, len(codes))
	for ii, code := range codes {
		names[ii] = registry[code]
	}
	return
}

// Error implements the error interface.
func (c Code) Error() string {
	return Name(c)
}

// String implements fmt.Stringer.
func (c Code) String() string {
	name := Name(c)
	if name == UnknownName {
		return fmt.Sprintf("%s(%d)", name, int32(c))
	}
	return name
}

// IsSuccess returns whether the code is Success.
func (c Code) IsSuccess() bool { return c == Success }

// CodeOf returns the result code carried by err.
//
// A nil error is Success. An error that doesn't wrap a Code (an error foreign to the runtime) is
// reported as ExecutionFailed.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return ExecutionFailed
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
