// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opencl

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/results"
)

// Constants of the OpenCL API used by the backend.
const (
	clFalse uint32 = 0

	clDeviceTypeCPU uint64 = 1 << 1
	clDeviceTypeGPU uint64 = 1 << 2
	clDeviceTypeAll uint64 = 0xFFFFFFFF

	clPlatformName uint32 = 0x0902

	clDeviceMaxComputeUnits   uint32 = 0x1002
	clDeviceMaxClockFrequency uint32 = 0x100C
	clDeviceName              uint32 = 0x102B
	clDeviceVendor            uint32 = 0x102C
	clDeviceExtensions        uint32 = 0x1030

	clMemReadWrite uint64 = 1 << 0

	clProgramBuildLog uint32 = 0x1183

	clKernelNumArgs uint32 = 0x1193

	clKernelArgAddressQualifier uint32 = 0x1196
	clKernelArgTypeName         uint32 = 0x1198

	clKernelArgAddressGlobal   uint32 = 0x119B
	clKernelArgAddressLocal    uint32 = 0x119C
	clKernelArgAddressConstant uint32 = 0x119D
	clKernelArgAddressPrivate  uint32 = 0x119E

	clEventCommandExecutionStatus uint32 = 0x11D3
)

// Functions of the OpenCL library, bound by openLibrary.
var (
	clGetPlatformIDs  func(numEntries uint32, platforms *uintptr, numPlatforms *uint32) int32
	clGetPlatformInfo func(platform uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clGetDeviceIDs    func(platform uintptr, deviceType uint64, numEntries uint32, devices *uintptr, numDevices *uint32) int32
	clGetDeviceInfo   func(device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32

	clCreateContext       func(properties unsafe.Pointer, numDevices uint32, devices *uintptr, notify, userData uintptr, errRet *int32) uintptr
	clReleaseContext      func(context uintptr) int32
	clCreateCommandQueue  func(context, device uintptr, properties uint64, errRet *int32) uintptr
	clReleaseCommandQueue func(queue uintptr) int32
	clFlush               func(queue uintptr) int32
	clFinish              func(queue uintptr) int32

	clCreateBuffer       func(context uintptr, flags uint64, size uintptr, hostPtr unsafe.Pointer, errRet *int32) uintptr
	clReleaseMemObject   func(mem uintptr) int32
	clEnqueueWriteBuffer func(queue, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numWait uint32, waitList unsafe.Pointer, event *uintptr) int32
	clEnqueueReadBuffer  func(queue, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numWait uint32, waitList unsafe.Pointer, event *uintptr) int32
	clEnqueueCopyBuffer  func(queue, src, dst uintptr, srcOffset, dstOffset, size uintptr, numWait uint32, waitList unsafe.Pointer, event *uintptr) int32

	clCreateProgramWithSource func(context uintptr, count uint32, sources **byte, lengths *uintptr, errRet *int32) uintptr
	clBuildProgram            func(program uintptr, numDevices uint32, devices *uintptr, options string, notify, userData uintptr) int32
	clGetProgramBuildInfo     func(program, device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clReleaseProgram          func(program uintptr) int32

	clCreateKernel         func(program uintptr, name string, errRet *int32) uintptr
	clGetKernelInfo        func(kernel uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clSetKernelArg         func(kernel uintptr, index uint32, size uintptr, value unsafe.Pointer) int32
	clReleaseKernel        func(kernel uintptr) int32
	clEnqueueNDRangeKernel func(queue, kernel uintptr, workDim uint32, globalOffset, globalSize, localSize *uintptr, numWait uint32, waitList unsafe.Pointer, event *uintptr) int32

	clWaitForEvents func(numEvents uint32, events *uintptr) int32
	clGetEventInfo  func(event uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clReleaseEvent  func(event uintptr) int32

	// clGetKernelArgInfo is only available from OpenCL 1.2, and it is left nil if the library doesn't export it.
	clGetKernelArgInfo func(kernel uintptr, index uint32, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
)

var (
	loadOnce sync.Once
	loadErr  error
)

// load binds the OpenCL library on first use. It fails with results.DeviceUnavailable if no OpenCL library
// (ICD loader) can be found.
func load() error {
	loadOnce.Do(func() {
		loadErr = openLibrary()
	})
	return loadErr
}

// infoQuery is the signature shared by the clGet*Info functions, with the object already bound.
type infoQuery func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32

// queryString returns a string parameter using the two-call pattern of OpenCL: first the size, then the value.
func queryString(query infoQuery, param uint32) (string, error) {
	var size uintptr
	if status := query(param, 0, nil, &size); status != clSuccess {
		return "", clError(status, "querying size of parameter 0x%X", param)
	}
	if size == 0 {
		return "", nil
	}
	value := make([]byte, size)
	if status := query(param, size, unsafe.Pointer(&value[0]), nil); status != clSuccess {
		return "", clError(status, "querying parameter 0x%X", param)
	}
	return strings.TrimRight(string(value), "\x00"), nil
}

// queryUint32 returns a cl_uint parameter.
func queryUint32(query infoQuery, param uint32) (uint32, error) {
	var value uint32
	status := query(param, unsafe.Sizeof(value), unsafe.Pointer(&value), nil)
	return value, clError(status, "querying parameter 0x%X", param)
}

func deviceQuery(device uintptr) infoQuery {
	return func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return clGetDeviceInfo(device, param, size, value, sizeRet)
	}
}

func platformQuery(platform uintptr) infoQuery {
	return func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return clGetPlatformInfo(platform, param, size, value, sizeRet)
	}
}

func buildLogQuery(program, device uintptr) infoQuery {
	return func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return clGetProgramBuildInfo(program, device, param, size, value, sizeRet)
	}
}

func kernelArgQuery(kernel uintptr, index uint32) infoQuery {
	return func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return clGetKernelArgInfo(kernel, index, param, size, value, sizeRet)
	}
}

// errUnavailable is returned by openLibrary when no library could be loaded.
func errUnavailable(reason string) error {
	return errors.Wrapf(results.DeviceUnavailable, "OpenCL library not available: %s", reason)
}
