// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Device identifies one compute unit on one backend.
//
// Devices are returned by Runtime.GetDevices (or Runtime.Devices) and must be released with Device.Deinit.
type Device struct{ h handle }

// DeviceInfo is the kind of information queried with Device.Info.
type DeviceInfo uint32

const (
	// DeviceInfoBackend is the backends.Type of the device, 4 bytes.
	DeviceInfoBackend DeviceInfo = iota
	// DeviceInfoVendor is the vendor string.
	DeviceInfoVendor
	// DeviceInfoName is the device name string.
	DeviceInfoName
	// DeviceInfoCoreCount is the number of cores (compute units), 8 bytes.
	DeviceInfoCoreCount
	// DeviceInfoMaxFrequency is the max frequency in MHz, 8 bytes. 0 if unknown.
	DeviceInfoMaxFrequency
	// DeviceInfoFeatures is a string describing optional features: CPU flags for the host, extensions for OpenCL.
	DeviceInfoFeatures
)

type deviceRecord struct {
	state    *backendState
	device   backends.Device
	contexts atomic.Int32
}

// GetDevices discovers the devices of the backends in filter (all backends of the runtime if filter is empty).
//
// It fills dst with up to len(dst) devices, and returns the total number of devices available, even if it
// exceeds len(dst). So calling it first with an empty dst returns the required capacity. Only the devices
// written to dst are allocated, and each must be released with Device.Deinit.
//
// Devices are returned ordered by backend type, and then by the backend's own (stable) order.
// A backend in filter that is not driven by the runtime fails with results.BackendNotFound.
// A backend that fails to discover its devices (e.g. missing drivers) is logged and reports no devices.
func (rt *Runtime) GetDevices(filter []backends.Type, dst []Device) (count int, err error) {
	if err := rt.rlockAlive(); err != nil {
		return 0, err
	}
	defer rt.muFinalize.RUnlock()
	for _, backendType := range filter {
		if _, found := rt.Backend(backendType); !found {
			return 0, errors.Wrapf(results.BackendNotFound, "backend %s is not available in the runtime (available: %v)",
				backendType, rt.Backends())
		}
	}
	for _, state := range rt.backends {
		if len(filter) > 0 && !containsType(filter, state.backend.Type()) {
			continue
		}
		for _, device := range state.discover() {
			if count < len(dst) {
				dst[count] = rt.newDevice(state, device)
			}
			count++
		}
	}
	return count, nil
}

// Devices is a convenience that calls GetDevices twice, to size and then fill the list of devices.
// All devices returned must be released with Device.Deinit.
func (rt *Runtime) Devices(filter ...backends.Type) ([]Device, error) {
	n, err := rt.GetDevices(filter, nil)
	if err != nil {
		return nil, err
	}
	devices := make([]Device, n)
	n, err = rt.GetDevices(filter, devices)
	if err != nil {
		return nil, err
	}
	if n < len(devices) {
		devices = devices[:n]
	}
	return devices, nil
}

func containsType(list []backends.Type, t backends.Type) bool {
	for _, e := range list {
		if e == t {
			return true
		}
	}
	return false
}

func (s *backendState) discover() []backends.Device {
	s.discoverOnce.Do(func() {
		devices, err := s.backend.Devices()
		if err != nil {
			klog.Warningf("compute: backend %q failed to discover devices: %v", s.backend.Name(), err)
			return
		}
		s.devices = devices
	})
	return s.devices
}

func (rt *Runtime) newDevice(state *backendState, device backends.Device) Device {
	rec := &deviceRecord{state: state, device: device}
	slot, gen := rt.devices.insert(rec)
	rt.tracker.Add(leaks.Device, gen, "")
	return Device{h: handle{rt: rt, backend: state.backend.Type(), slot: slot, gen: gen}}
}

func (d Device) record() (*deviceRecord, error) {
	if d.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Device handle")
	}
	rec, found := d.h.rt.devices.get(d.h.slot, d.h.gen)
	if !found {
		return nil, errors.Wrapf(results.InvalidDevice, "Device handle #%d was deinitialized", d.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the device.
// It doesn't validate the handle: it's always the value the device was created with.
func (d Device) Backend() backends.Type { return d.h.backend }

// Runtime that owns the device.
func (d Device) Runtime() *Runtime { return d.h.rt }

// Info queries information about the device using the two-phase protocol described in InfoRequest.
//
// It fails with results.InvalidDevice if the device was deinitialized, and results.InvalidArgument for unknown kinds.
func (d Device) Info(kind DeviceInfo, req InfoRequest) (int, error) {
	rec, err := d.record()
	if err != nil {
		return 0, err
	}
	var value []byte
	switch kind {
	case DeviceInfoBackend:
		value = encodeUint32(uint32(d.h.backend))
	case DeviceInfoVendor:
		value = []byte(rec.device.Vendor())
	case DeviceInfoName:
		value = []byte(rec.device.Name())
	case DeviceInfoCoreCount:
		value = encodeUint64(uint64(max(rec.device.CoreCount(), 0)))
	case DeviceInfoMaxFrequency:
		value = encodeUint64(uint64(max(rec.device.MaxFrequency(), 0)))
	case DeviceInfoFeatures:
		value = []byte(rec.device.Features())
	default:
		return 0, errors.Wrapf(results.InvalidArgument, "unknown DeviceInfo kind %d", kind)
	}
	return answer(req, value)
}

func (d Device) info(kind DeviceInfo) func(InfoRequest) (int, error) {
	return func(req InfoRequest) (int, error) { return d.Info(kind, req) }
}

// Vendor returns the vendor of the device.
func (d Device) Vendor() (string, error) { return queryString(d.info(DeviceInfoVendor)) }

// Name returns the name of the device.
func (d Device) Name() (string, error) { return queryString(d.info(DeviceInfoName)) }

// Features returns the optional features of the device, as a free form string.
func (d Device) Features() (string, error) { return queryString(d.info(DeviceInfoFeatures)) }

// CoreCount returns the number of cores, or compute units, of the device.
func (d Device) CoreCount() (int, error) {
	v, err := queryUint64(d.info(DeviceInfoCoreCount))
	return int(v), err
}

// MaxFrequency returns the max frequency of the device in MHz, or 0 if not known.
func (d Device) MaxFrequency() (int, error) {
	v, err := queryUint64(d.info(DeviceInfoMaxFrequency))
	return int(v), err
}

// String implements fmt.Stringer.
func (d Device) String() string {
	rec, err := d.record()
	if err != nil {
		return "Device(invalid)"
	}
	var sb strings.Builder
	sb.WriteString(d.h.backend.String())
	sb.WriteString(":")
	sb.WriteString(rec.device.Name())
	return sb.String()
}

// Deinit releases the discovery bookkeeping of the device. The physical device is not affected.
//
// Contexts should be deinitialized first: if there are still live contexts created from this device, a warning
// is logged, and the contexts remain usable.
// A second Deinit fails with results.InvalidDevice.
func (d Device) Deinit() error {
	if d.h.isZero() {
		return errors.Wrap(results.InvalidHandle, "uninitialized Device handle")
	}
	rec, found := d.h.rt.devices.remove(d.h.slot, d.h.gen)
	if !found {
		return errors.Wrapf(results.InvalidDevice, "Device.Deinit(): device #%d was already deinitialized", d.h.gen)
	}
	if n := rec.contexts.Load(); n > 0 {
		klog.Warningf("compute: Device.Deinit() of %s:%s with %d live context(s): deinitialize contexts first",
			d.h.backend, rec.device.Name(), n)
	}
	d.h.rt.tracker.Remove(leaks.Device, d.h.gen)
	return nil
}
