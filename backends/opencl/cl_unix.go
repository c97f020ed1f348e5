// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package opencl

import (
	"fmt"
	"strings"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// libraryPaths are tried in order to find the OpenCL ICD loader.
var libraryPaths = []string{
	"libOpenCL.so.1",
	"libOpenCL.so",
	"/System/Library/Frameworks/OpenCL.framework/OpenCL",
}

func openLibrary() error {
	var lib uintptr
	var failures []string
	for _, path := range libraryPaths {
		var err error
		lib, err = purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			klog.V(1).Infof("OpenCL: loaded %q", path)
			break
		}
		failures = append(failures, err.Error())
	}
	if lib == 0 {
		return errUnavailable(strings.Join(failures, "; "))
	}

	// RegisterLibFunc panics if a symbol is missing.
	exception := exceptions.TryCatch[any](func() {
		purego.RegisterLibFunc(&clGetPlatformIDs, lib, "clGetPlatformIDs")
		purego.RegisterLibFunc(&clGetPlatformInfo, lib, "clGetPlatformInfo")
		purego.RegisterLibFunc(&clGetDeviceIDs, lib, "clGetDeviceIDs")
		purego.RegisterLibFunc(&clGetDeviceInfo, lib, "clGetDeviceInfo")
		purego.RegisterLibFunc(&clCreateContext, lib, "clCreateContext")
		purego.RegisterLibFunc(&clReleaseContext, lib, "clReleaseContext")
		purego.RegisterLibFunc(&clCreateCommandQueue, lib, "clCreateCommandQueue")
		purego.RegisterLibFunc(&clReleaseCommandQueue, lib, "clReleaseCommandQueue")
		purego.RegisterLibFunc(&clFlush, lib, "clFlush")
		purego.RegisterLibFunc(&clFinish, lib, "clFinish")
		purego.RegisterLibFunc(&clCreateBuffer, lib, "clCreateBuffer")
		purego.RegisterLibFunc(&clReleaseMemObject, lib, "clReleaseMemObject")
		purego.RegisterLibFunc(&clEnqueueWriteBuffer, lib, "clEnqueueWriteBuffer")
		purego.RegisterLibFunc(&clEnqueueReadBuffer, lib, "clEnqueueReadBuffer")
		purego.RegisterLibFunc(&clEnqueueCopyBuffer, lib, "clEnqueueCopyBuffer")
		purego.RegisterLibFunc(&clCreateProgramWithSource, lib, "clCreateProgramWithSource")
		purego.RegisterLibFunc(&clBuildProgram, lib, "clBuildProgram")
		purego.RegisterLibFunc(&clGetProgramBuildInfo, lib, "clGetProgramBuildInfo")
		purego.RegisterLibFunc(&clReleaseProgram, lib, "clReleaseProgram")
		purego.RegisterLibFunc(&clCreateKernel, lib, "clCreateKernel")
		purego.RegisterLibFunc(&clGetKernelInfo, lib, "clGetKernelInfo")
		purego.RegisterLibFunc(&clSetKernelArg, lib, "clSetKernelArg")
		purego.RegisterLibFunc(&clReleaseKernel, lib, "clReleaseKernel")
		purego.RegisterLibFunc(&clEnqueueNDRangeKernel, lib, "clEnqueueNDRangeKernel")
		purego.RegisterLibFunc(&clWaitForEvents, lib, "clWaitForEvents")
		purego.RegisterLibFunc(&clGetEventInfo, lib, "clGetEventInfo")
		purego.RegisterLibFunc(&clReleaseEvent, lib, "clReleaseEvent")
	})
	if exception != nil {
		_ = purego.Dlclose(lib)
		return errUnavailable(fmt.Sprintf("%v", exception))
	}
	if fn, err := purego.Dlsym(lib, "clGetKernelArgInfo"); err == nil {
		purego.RegisterFunc(&clGetKernelArgInfo, fn)
	} else {
		klog.V(1).Infof("OpenCL: clGetKernelArgInfo not available, kernel parameters won't be introspected")
	}
	return nil
}
