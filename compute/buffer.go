// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Buffer is a fixed size block of device memory, owned by a Context.
//
// Transfers to and from a buffer are asynchronous: they return an Event that must be joined before the
// host memory given to them can be reused.
type Buffer struct{ h handle }

// BufferConfig is the configuration of a Buffer. It has no options yet.
type BufferConfig struct{}

// BufferInfo is the kind of information queried with Buffer.Info.
type BufferInfo uint32

const (
	// BufferInfoBackend is the backends.Type of the buffer, 4 bytes.
	BufferInfoBackend BufferInfo = iota
	// BufferInfoDevice is the Device of the context of the buffer, encoded in EncodedHandleSize bytes.
	BufferInfoDevice
	// BufferInfoContext is the Context owning the buffer, encoded in EncodedHandleSize bytes.
	BufferInfoContext
	// BufferInfoSize is the size of the buffer in bytes, 8 bytes.
	BufferInfoSize
)

type bufferRecord struct {
	ctx     *contextRecord
	context Context
	backend backends.Buffer
	size    int

	// Protected by ctx.mu.
	finalized bool
	inflight  int // Number of operations (transfers and dispatches) in flight using the buffer.
	bindings  int // Number of symbol argument slots bound to the buffer.
}

// CreateBuffer allocates a buffer of byteLength bytes on the device of the context.
// The contents of a new buffer are undefined.
//
// It fails with results.InvalidSize if byteLength <= 0.
func (c Context) CreateBuffer(byteLength int, config BufferConfig) (Buffer, error) {
	_ = config
	ctx, err := c.record()
	if err != nil {
		return Buffer{}, err
	}
	if byteLength <= 0 {
		return Buffer{}, errors.Wrapf(results.InvalidSize, "Context.CreateBuffer(%d): size must be > 0", byteLength)
	}
	if err := ctx.reserve(&ctx.numBuffers); err != nil {
		return Buffer{}, err
	}
	backendBuffer, err := ctx.backend.NewBuffer(byteLength)
	if err != nil {
		ctx.release(&ctx.numBuffers)
		return Buffer{}, errors.WithMessagef(err, "Context.CreateBuffer(%s)", humanize.IBytes(uint64(byteLength)))
	}
	rec := &bufferRecord{ctx: ctx, context: c, backend: backendBuffer, size: byteLength}
	rt := c.h.rt
	slot, gen := rt.buffers.insert(rec)
	rt.tracker.Add(leaks.Buffer, gen, ctx.site(1))
	ctx.trace("buffer #%d created with %s", gen, humanize.IBytes(uint64(byteLength)))
	return Buffer{h: handle{rt: rt, backend: c.h.backend, slot: slot, gen: gen}}, nil
}

func (b Buffer) record() (*bufferRecord, error) {
	if b.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Buffer handle")
	}
	rec, found := b.h.rt.buffers.get(b.h.slot, b.h.gen)
	if !found {
		return nil, errors.Wrapf(results.InvalidBuffer, "Buffer handle #%d was deinitialized", b.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the buffer.
func (b Buffer) Backend() backends.Type { return b.h.backend }

// Size returns the size of the buffer in bytes.
func (b Buffer) Size() (int, error) {
	rec, err := b.record()
	if err != nil {
		return 0, err
	}
	return rec.size, nil
}

// Context returns the context owning the buffer.
func (b Buffer) Context() (Context, error) {
	rec, err := b.record()
	if err != nil {
		return Context{}, err
	}
	return rec.context, nil
}

// Info queries information about the buffer using the two-phase protocol described in InfoRequest.
func (b Buffer) Info(kind BufferInfo, req InfoRequest) (int, error) {
	rec, err := b.record()
	if err != nil {
		return 0, err
	}
	var value []byte
	switch kind {
	case BufferInfoBackend:
		value = encodeUint32(uint32(b.h.backend))
	case BufferInfoDevice:
		value = rec.ctx.device.h.encode()
	case BufferInfoContext:
		value = rec.context.h.encode()
	case BufferInfoSize:
		value = encodeUint64(uint64(rec.size))
	default:
		return 0, errors.Wrapf(results.InvalidArgument, "unknown BufferInfo kind %d", kind)
	}
	return answer(req, value)
}

// ContextFromInfo decodes the value of a BufferInfoContext query.
func (rt *Runtime) ContextFromInfo(value []byte) (Context, error) {
	c := Context{h: decodeHandle(rt, value)}
	if _, err := c.record(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// checkRange validates a transfer of length bytes at offset.
func (rec *bufferRecord) checkRange(method string, offset, length int) error {
	if offset < 0 || length < 0 {
		return errors.Wrapf(results.InvalidArgument, "%s: negative offset (%d) or length (%d)", method, offset, length)
	}
	if offset > rec.size || length > rec.size-offset {
		return errors.Wrapf(results.OutOfBounds, "%s: range [%d, %d) is out of the buffer bounds [0, %d)",
			method, offset, offset+length, rec.size)
	}
	return nil
}

// acquire marks the buffers as used by one more in-flight operation. It returns the hook that releases them,
// to be run when the operation finishes.
//
// Buffers of different contexts are protected by different locks, so they are acquired one context at a time.
func acquire(buffers ...*bufferRecord) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for _, release := range releases {
			release()
		}
	}
	for ii, buf := range buffers {
		if buf == nil {
			continue
		}
		ctx := buf.ctx
		var group []*bufferRecord
		for jj := ii; jj < len(buffers); jj++ {
			if buffers[jj] != nil && buffers[jj].ctx == ctx {
				group = append(group, buffers[jj])
				if jj > ii {
					buffers[jj] = nil
				}
			}
		}
		release, err := acquireInContext(ctx, group)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func acquireInContext(ctx *contextRecord, buffers []*bufferRecord) (func(), error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, buf := range buffers {
		if buf.finalized {
			return nil, errors.Wrap(results.InvalidBuffer, "buffer was deinitialized")
		}
	}
	for _, buf := range buffers {
		buf.inflight++
	}
	return func() {
		ctx.mu.Lock()
		defer ctx.mu.Unlock()
		for _, buf := range buffers {
			buf.inflight--
		}
	}, nil
}

// Write enqueues the copy of src to the buffer at offset. src must not be modified until the returned Event
// completes.
//
// It fails synchronously, without creating an event, with results.InvalidArgument for a negative offset,
// and with results.OutOfBounds if offset+len(src) exceeds the buffer size.
func (b Buffer) Write(offset int, src []byte) (Event, error) {
	rec, err := b.record()
	if err != nil {
		return Event{}, err
	}
	if err := rec.checkRange("Buffer.Write()", offset, len(src)); err != nil {
		return Event{}, err
	}
	return b.enqueue(rec, fmt.Sprintf("write(buffer #%d, offset=%d, len=%d)", b.h.gen, offset, len(src)),
		func(done backends.Completion) error {
			return rec.backend.Write(offset, src, done)
		}, rec)
}

// Read enqueues the copy of len(dst) bytes of the buffer at offset into dst. dst can only be used after the
// returned Event completes.
//
// It fails synchronously, without creating an event, with results.InvalidArgument for a negative offset,
// and with results.OutOfBounds if offset+len(dst) exceeds the buffer size.
func (b Buffer) Read(offset int, dst []byte) (Event, error) {
	rec, err := b.record()
	if err != nil {
		return Event{}, err
	}
	if err := rec.checkRange("Buffer.Read()", offset, len(dst)); err != nil {
		return Event{}, err
	}
	return b.enqueue(rec, fmt.Sprintf("read(buffer #%d, offset=%d, len=%d)", b.h.gen, offset, len(dst)),
		func(done backends.Completion) error {
			return rec.backend.Read(offset, dst, done)
		}, rec)
}

// CopyTo enqueues the copy of length bytes of the buffer at srcOffset to the dst buffer at dstOffset.
// The returned Event belongs to the context of the source buffer.
//
// Both ranges are validated synchronously as in Write and Read. Copying to a buffer of another backend fails
// with results.UnsupportedOperation. Copying across contexts of the same backend depends on the backend,
// and may fail with results.ContextMismatch.
func (b Buffer) CopyTo(srcOffset int, dst Buffer, dstOffset, length int) (Event, error) {
	rec, err := b.record()
	if err != nil {
		return Event{}, err
	}
	dstRec, err := dst.record()
	if err != nil {
		return Event{}, errors.WithMessage(err, "Buffer.CopyTo(): invalid destination")
	}
	if dst.h.rt != b.h.rt || dst.h.backend != b.h.backend {
		return Event{}, errors.Wrapf(results.UnsupportedOperation, "Buffer.CopyTo(): can't copy from a %s buffer "+
			"to a %s buffer of another runtime or backend", b.h.backend, dst.h.backend)
	}
	if err := rec.checkRange("Buffer.CopyTo() source", srcOffset, length); err != nil {
		return Event{}, err
	}
	if err := dstRec.checkRange("Buffer.CopyTo() destination", dstOffset, length); err != nil {
		return Event{}, err
	}
	return b.enqueue(rec, fmt.Sprintf("copy(buffer #%d -> buffer #%d, len=%d)", b.h.gen, dst.h.gen, length),
		func(done backends.Completion) error {
			return rec.backend.CopyTo(srcOffset, dstRec.backend, dstOffset, length, done)
		}, rec, dstRec)
}

// enqueue creates the event for an operation using buffers, and submits it to the backend.
func (b Buffer) enqueue(rec *bufferRecord, operation string, submit func(done backends.Completion) error,
	buffers ...*bufferRecord) (Event, error) {
	ctx := rec.ctx
	releaseBuffers, err := acquire(slices.Clone(buffers)...)
	if err != nil {
		return Event{}, err
	}
	evRec, ev, err := b.h.rt.newEvent(ctx, b.h.backend, operation, ctx.site(2), releaseBuffers)
	if err != nil {
		releaseBuffers()
		return Event{}, err
	}
	if err := submit(completion{evRec}); err != nil {
		evRec.abort()
		return Event{}, errors.WithMessagef(err, "failed to enqueue %s", operation)
	}
	return ev, nil
}

// Deinit frees the buffer.
//
// It fails with results.ResourceBusy, and leaves the buffer untouched, while operations using it are still in
// flight (join their events first) or while it is bound to a symbol argument (deinit the symbol or rebind
// the argument first).
func (b Buffer) Deinit() error {
	rec, err := b.record()
	if err != nil {
		return err
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	if rec.finalized {
		ctx.mu.Unlock()
		return errors.Wrapf(results.InvalidBuffer, "Buffer.Deinit(): buffer #%d already deinitialized", b.h.gen)
	}
	if rec.inflight > 0 || rec.bindings > 0 {
		err = errors.Wrapf(results.ResourceBusy, "Buffer.Deinit(): buffer #%d has %d operation(s) in flight and "+
			"is bound to %d symbol argument(s)", b.h.gen, rec.inflight, rec.bindings)
		ctx.mu.Unlock()
		return err
	}
	rec.finalized = true
	ctx.numBuffers--
	ctx.mu.Unlock()

	rt := b.h.rt
	rt.buffers.remove(b.h.slot, b.h.gen)
	rt.tracker.Remove(leaks.Buffer, b.h.gen)
	ctx.trace("buffer #%d deinitialized", b.h.gen)
	if err := rec.backend.Finalize(); err != nil {
		return errors.WithMessagef(err, "Buffer.Deinit(): backend failed to free buffer #%d", b.h.gen)
	}
	return nil
}

// String implements fmt.Stringer.
func (b Buffer) String() string {
	rec, err := b.record()
	if err != nil {
		return "Buffer(invalid)"
	}
	return fmt.Sprintf("Buffer(#%d %s, %s)", b.h.gen, b.h.backend, humanize.IBytes(uint64(rec.size)))
}
