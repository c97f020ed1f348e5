// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opencl

import (
	"bytes"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// PoisonByte is written over new buffers of contexts in debug mode.
const PoisonByte = 0xCD

// Context implements backends.Context with an OpenCL context and its command queue.
type Context struct {
	device  *Device
	context uintptr
	queue   uintptr
	debug   bool
}

var _ backends.Context = (*Context)(nil)

// NewBuffer implements backends.Context.
func (c *Context) NewBuffer(size int) (backends.Buffer, error) {
	if err := c.device.backend.checkFinalized(); err != nil {
		return nil, err
	}
	var status int32
	mem := clCreateBuffer(c.context, clMemReadWrite, uintptr(size), nil, &status)
	if err := clError(status, "clCreateBuffer(%d bytes)", size); err != nil {
		return nil, err
	}
	buf := &Buffer{ctx: c, mem: mem, size: size}
	if c.debug {
		poison := bytes.Repeat([]byte{PoisonByte}, size)
		status = clEnqueueWriteBuffer(c.queue, mem, 1, 0, uintptr(size), unsafe.Pointer(&poison[0]), 0, nil, nil)
		if err := clError(status, "poisoning new buffer"); err != nil {
			clReleaseMemObject(mem)
			return nil, err
		}
	}
	return buf, nil
}

// Finalize implements backends.Context. It waits for the queue to drain before releasing it.
func (c *Context) Finalize() error {
	err := clError(clFinish(c.queue), "clFinish()")
	if releaseErr := clError(clReleaseCommandQueue(c.queue), "clReleaseCommandQueue()"); err == nil {
		err = releaseErr
	}
	if releaseErr := clError(clReleaseContext(c.context), "clReleaseContext()"); err == nil {
		err = releaseErr
	}
	return err
}

// watch waits in a goroutine for the event to complete, and then reports the result to done.
// pinner, if not nil, holds the host memory used by the operation, and it is released once the event is complete.
func (c *Context) watch(event uintptr, done backends.Completion, pinner *runtime.Pinner) {
	b := c.device.backend
	b.waiters.Add(1)
	go func() {
		defer b.waiters.Done()
		done.Start()
		err := waitEvent(event)
		if pinner != nil {
			pinner.Unpin()
		}
		done.Finish(err)
	}()
}

// submitted flushes the queue after a successful enqueue, and starts watching the event. On failure,
// the pinned memory is released, and the error is returned synchronously.
func (c *Context) submitted(status int32, event uintptr, done backends.Completion, pinner *runtime.Pinner,
	format string, args ...any) error {
	if err := clError(status, format, args...); err != nil {
		if pinner != nil {
			pinner.Unpin()
		}
		return err
	}
	if err := clError(clFlush(c.queue), "clFlush()"); err != nil {
		klog.Warningf("OpenCL: %v", err)
	}
	c.watch(event, done, pinner)
	return nil
}

// waitEvent blocks until the event is complete, releases it, and returns its execution status as an error.
func waitEvent(event uintptr) error {
	defer clReleaseEvent(event)
	if err := clError(clWaitForEvents(1, &event), "clWaitForEvents()"); err != nil {
		return err
	}
	var execStatus int32
	if err := clError(clGetEventInfo(event, clEventCommandExecutionStatus, unsafe.Sizeof(execStatus),
		unsafe.Pointer(&execStatus), nil), "clGetEventInfo()"); err != nil {
		return err
	}
	if execStatus < 0 {
		return clError(execStatus, "command failed")
	}
	return nil
}

// Buffer implements backends.Buffer with an OpenCL memory object.
type Buffer struct {
	ctx  *Context
	mem  uintptr
	size int
}

var _ backends.Buffer = (*Buffer)(nil)

// Size implements backends.Buffer.
func (b *Buffer) Size() int { return b.size }

// completeEmpty reports right away the completion of a zero length transfer, which OpenCL rejects.
func completeEmpty(done backends.Completion) error {
	done.Start()
	done.Finish(nil)
	return nil
}

// pin holds data in place until the operation using it completes.
func pin(data []byte) *runtime.Pinner {
	pinner := &runtime.Pinner{}
	pinner.Pin(&data[0])
	return pinner
}

// Write implements backends.Buffer with a non-blocking clEnqueueWriteBuffer.
func (b *Buffer) Write(offset int, src []byte, done backends.Completion) error {
	if err := b.ctx.device.backend.checkFinalized(); err != nil {
		return err
	}
	if len(src) == 0 {
		return completeEmpty(done)
	}
	pinner := pin(src)
	var event uintptr
	status := clEnqueueWriteBuffer(b.ctx.queue, b.mem, clFalse, uintptr(offset), uintptr(len(src)),
		unsafe.Pointer(&src[0]), 0, nil, &event)
	return b.ctx.submitted(status, event, done, pinner, "clEnqueueWriteBuffer(%d bytes at %d)", len(src), offset)
}

// Read implements backends.Buffer with a non-blocking clEnqueueReadBuffer.
func (b *Buffer) Read(offset int, dst []byte, done backends.Completion) error {
	if err := b.ctx.device.backend.checkFinalized(); err != nil {
		return err
	}
	if len(dst) == 0 {
		return completeEmpty(done)
	}
	pinner := pin(dst)
	var event uintptr
	status := clEnqueueReadBuffer(b.ctx.queue, b.mem, clFalse, uintptr(offset), uintptr(len(dst)),
		unsafe.Pointer(&dst[0]), 0, nil, &event)
	return b.ctx.submitted(status, event, done, pinner, "clEnqueueReadBuffer(%d bytes at %d)", len(dst), offset)
}

// CopyTo implements backends.Buffer. Both buffers must belong to the same OpenCL context.
func (b *Buffer) CopyTo(srcOffset int, dst backends.Buffer, dstOffset, length int, done backends.Completion) error {
	if err := b.ctx.device.backend.checkFinalized(); err != nil {
		return err
	}
	dstBuf, ok := dst.(*Buffer)
	if !ok {
		return errors.Wrapf(results.UnsupportedOperation, "OpenCL buffer can't copy to a %T", dst)
	}
	if dstBuf.ctx != b.ctx {
		return errors.Wrap(results.ContextMismatch, "OpenCL buffers can only be copied within the same context")
	}
	if length == 0 {
		return completeEmpty(done)
	}
	var event uintptr
	status := clEnqueueCopyBuffer(b.ctx.queue, b.mem, dstBuf.mem, uintptr(srcOffset), uintptr(dstOffset),
		uintptr(length), 0, nil, &event)
	return b.ctx.submitted(status, event, done, nil, "clEnqueueCopyBuffer(%d bytes)", length)
}

// Finalize implements backends.Buffer.
func (b *Buffer) Finalize() error {
	return clError(clReleaseMemObject(b.mem), "clReleaseMemObject()")
}
