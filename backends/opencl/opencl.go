// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opencl implements the OpenCL backend, binding the system OpenCL library (the ICD loader) at run time
// with purego: no cgo and no OpenCL headers are needed to build it.
//
// Every device of every platform is exposed as a device of the backend. Contexts own one in-order command
// queue, transfers are non-blocking enqueues, and programs are ".cl" source files built for the device of
// the context. Kernel parameters are introspected with clGetKernelArgInfo when the library supports it.
//
// If no OpenCL library can be loaded, the backend still registers and constructs, but device discovery
// fails with results.DeviceUnavailable (which the runtime reports as zero devices).
//
// Configuration options (see backends.ParseOptions): "type=gpu|cpu|all" selects the device types to
// discover, it defaults to "all".
package opencl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// BackendName to be used in the backends configuration to select this backend.
const BackendName = "opencl"

func init() {
	registerCodes()
	backends.Register(BackendName, backends.TypeOpenCL, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

var deviceTypes = map[string]uint64{
	"gpu": clDeviceTypeGPU,
	"cpu": clDeviceTypeCPU,
	"all": clDeviceTypeAll,
}

// Backend implements backends.Backend for OpenCL.
type Backend struct {
	deviceType     uint64
	deviceTypeName string

	discoverOnce sync.Once
	devices      []*Device
	discoverErr  error

	// waiters tracks the goroutines waiting on OpenCL events.
	waiters   sync.WaitGroup
	finalized atomic.Bool
}

var _ backends.Backend = (*Backend)(nil)

// New constructs the OpenCL backend with the given configuration.
// It fails with results.InvalidArgument for unknown options or invalid values. It doesn't load the
// OpenCL library: that is deferred to the device discovery.
func New(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	b := &Backend{deviceType: clDeviceTypeAll, deviceTypeName: "all"}
	for key, value := range options {
		switch key {
		case "type":
			deviceType, found := deviceTypes[value]
			if !found {
				return nil, errors.Wrapf(results.InvalidArgument, "backend %q: invalid type=%q, valid values are gpu, cpu or all",
					BackendName, value)
			}
			b.deviceType, b.deviceTypeName = deviceType, value
		default:
			return nil, errors.Wrapf(results.InvalidArgument, "unknown option %q for backend %q", key, BackendName)
		}
	}
	return b, nil
}

// Type implements backends.Backend.
func (b *Backend) Type() backends.Type { return backends.TypeOpenCL }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("OpenCL backend (devices of type %s)", b.deviceTypeName)
}

// Devices implements backends.Backend. Discovery happens once, on the first call.
func (b *Backend) Devices() ([]backends.Device, error) {
	b.discoverOnce.Do(func() {
		b.devices, b.discoverErr = b.discover()
	})
	if b.discoverErr != nil {
		return nil, b.discoverErr
	}
	devices := make([]backends.Device, len(b.devices))
	for ii, d := range b.devices {
		devices[ii] = d
	}
	return devices, nil
}

func (b *Backend) discover() ([]*Device, error) {
	if err := load(); err != nil {
		return nil, err
	}
	var numPlatforms uint32
	status := clGetPlatformIDs(0, nil, &numPlatforms)
	if status == clPlatformNotFoundKHR || (status == clSuccess && numPlatforms == 0) {
		klog.V(1).Infof("OpenCL: no platforms installed")
		return nil, nil
	}
	if err := clError(status, "clGetPlatformIDs()"); err != nil {
		return nil, err
	}
	platforms := make([]uintptr, numPlatforms)
	if err := clError(clGetPlatformIDs(numPlatforms, &platforms[0], nil), "clGetPlatformIDs()"); err != nil {
		return nil, err
	}

	var devices []*Device
	for _, platform := range platforms {
		platformName, err := queryString(platformQuery(platform), clPlatformName)
		if err != nil {
			klog.Warningf("OpenCL: skipping platform: %v", err)
			continue
		}
		var numDevices uint32
		status := clGetDeviceIDs(platform, b.deviceType, 0, nil, &numDevices)
		if status == clDeviceNotFound {
			continue
		}
		if err := clError(status, "clGetDeviceIDs(%q)", platformName); err != nil {
			klog.Warningf("OpenCL: skipping platform: %v", err)
			continue
		}
		if numDevices == 0 {
			continue
		}
		ids := make([]uintptr, numDevices)
		if err := clError(clGetDeviceIDs(platform, b.deviceType, numDevices, &ids[0], nil),
			"clGetDeviceIDs(%q)", platformName); err != nil {
			klog.Warningf("OpenCL: skipping platform: %v", err)
			continue
		}
		for _, id := range ids {
			d, err := newDevice(b, platformName, id)
			if err != nil {
				klog.Warningf("OpenCL: skipping device of platform %q: %v", platformName, err)
				continue
			}
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// Finalize waits for the in-flight operations to complete, and invalidates the backend.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
	b.waiters.Wait()
}

func (b *Backend) checkFinalized() error {
	if b.finalized.Load() {
		return errors.Wrap(results.DeviceUnavailable, "OpenCL backend was finalized")
	}
	return nil
}
