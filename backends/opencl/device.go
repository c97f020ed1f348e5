// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opencl

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// Device is one OpenCL device.
type Device struct {
	backend  *Backend
	id       uintptr
	platform string

	vendor, name string
	cores        int
	maxFrequency int
	extensions   string
}

var _ backends.Device = (*Device)(nil)

func newDevice(b *Backend, platform string, id uintptr) (*Device, error) {
	d := &Device{backend: b, id: id, platform: platform}
	query := deviceQuery(id)
	var err error
	if d.vendor, err = queryString(query, clDeviceVendor); err != nil {
		return nil, err
	}
	if d.name, err = queryString(query, clDeviceName); err != nil {
		return nil, err
	}
	cores, err := queryUint32(query, clDeviceMaxComputeUnits)
	if err != nil {
		return nil, err
	}
	d.cores = int(cores)
	frequency, err := queryUint32(query, clDeviceMaxClockFrequency)
	if err != nil {
		return nil, err
	}
	d.maxFrequency = int(frequency)
	extensions, err := queryString(query, clDeviceExtensions)
	if err != nil {
		return nil, err
	}
	d.extensions = strings.Join(strings.Fields(extensions), " ")
	return d, nil
}

// Vendor implements backends.Device.
func (d *Device) Vendor() string { return d.vendor }

// Name implements backends.Device.
func (d *Device) Name() string { return d.name }

// CoreCount implements backends.Device: the number of compute units.
func (d *Device) CoreCount() int { return d.cores }

// MaxFrequency implements backends.Device.
func (d *Device) MaxFrequency() int { return d.maxFrequency }

// Features implements backends.Device: the extensions supported by the device, space separated.
func (d *Device) Features() string { return d.extensions }

// Platform returns the name of the OpenCL platform (driver) of the device.
func (d *Device) Platform() string { return d.platform }

// NewContext implements backends.Device: it creates an OpenCL context with one in-order command queue.
func (d *Device) NewContext(config backends.ContextConfig) (backends.Context, error) {
	if err := d.backend.checkFinalized(); err != nil {
		return nil, err
	}
	var status int32
	id := d.id
	clContext := clCreateContext(nil, 1, &id, 0, 0, &status)
	if err := clError(status, "clCreateContext(%q)", d.name); err != nil {
		return nil, errors.WithMessagef(results.DeviceUnavailable, "%v", err)
	}
	queue := clCreateCommandQueue(clContext, id, 0, &status)
	if err := clError(status, "clCreateCommandQueue(%q)", d.name); err != nil {
		clReleaseContext(clContext)
		return nil, errors.WithMessagef(results.DeviceUnavailable, "%v", err)
	}
	return &Context{device: d, context: clContext, queue: queue, debug: config.Debug}, nil
}
