// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// PoisonByte is written over new and freed buffer memory of contexts in debug mode, to make the use of
// uninitialized or freed memory easier to spot.
const PoisonByte = 0xCD

// Context implements backends.Context for the host.
type Context struct {
	backend *Backend
	debug   bool
}

var _ backends.Context = (*Context)(nil)

// NewBuffer implements backends.Context.
func (c *Context) NewBuffer(size int) (backends.Buffer, error) {
	if c.backend.finalized.Load() {
		return nil, errors.Wrap(CodeBackendFinalized, "host backend was finalized")
	}
	buf := &Buffer{ctx: c, data: alignedBytes(size)}
	if c.debug {
		poison(buf.data)
	}
	return buf, nil
}

// OpenProgram implements backends.Context.
//
// The path is first looked up in the modules registered with RegisterModule, and otherwise loaded as a
// native shared library.
func (c *Context) OpenProgram(path string) (backends.Program, error) {
	if module, found := lookupModule(path); found {
		return &moduleProgram{ctx: c, name: path, module: module}, nil
	}
	return openNative(c, path)
}

// Finalize implements backends.Context. The host keeps no per-context state.
func (c *Context) Finalize() error { return nil }

// alignedBytes allocates size bytes aligned to 8 bytes, so kernels can view them as []float64 or []int64.
// A plain make([]byte, size) of a small size may come from the tiny allocator with a smaller alignment.
func alignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func poison(data []byte) {
	for ii := range data {
		data[ii] = PoisonByte
	}
}

// Buffer implements backends.Buffer in host memory.
type Buffer struct {
	ctx  *Context
	data []byte
}

var _ backends.Buffer = (*Buffer)(nil)

// Size implements backends.Buffer.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes returns the memory of the buffer. It's used by kernels to access buffer arguments.
func (b *Buffer) Bytes() []byte { return b.data }

// Write implements backends.Buffer.
func (b *Buffer) Write(offset int, src []byte, done backends.Completion) error {
	return b.ctx.backend.submit(done, func() error {
		copy(b.data[offset:], src)
		return nil
	})
}

// Read implements backends.Buffer.
func (b *Buffer) Read(offset int, dst []byte, done backends.Completion) error {
	return b.ctx.backend.submit(done, func() error {
		copy(dst, b.data[offset:offset+len(dst)])
		return nil
	})
}

// CopyTo implements backends.Buffer. All host buffers share the same memory space, so copies across contexts
// are supported.
func (b *Buffer) CopyTo(srcOffset int, dst backends.Buffer, dstOffset, length int, done backends.Completion) error {
	dstBuf, ok := dst.(*Buffer)
	if !ok {
		return errors.Wrapf(results.UnsupportedOperation, "host buffer can't copy to a %T", dst)
	}
	return b.ctx.backend.submit(done, func() error {
		copy(dstBuf.data[dstOffset:dstOffset+length], b.data[srcOffset:srcOffset+length])
		return nil
	})
}

// Finalize implements backends.Buffer.
func (b *Buffer) Finalize() error {
	if b.ctx.debug {
		poison(b.data)
	}
	b.data = nil
	return nil
}
