// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/backends/backendtest"
	"github.com/gomlx/unicompute/results"
)

func TestContext(t *testing.T) {
	rt, _, ctx := setup(t, backendtest.Config{})
	assert.Equal(t, backendtest.Type, ctx.Backend())
	sessionID := must.M1(ctx.SessionID())
	assert.Len(t, sessionID, 36)
	assert.Contains(t, ctx.String(), sessionID)

	// Device info round trip.
	device := must.M1(ctx.Device())
	n, err := ctx.Info(ContextInfoDevice, QueryLength{})
	require.NoError(t, err)
	require.Equal(t, EncodedHandleSize, n)
	value := make([]byte, n)
	_ = must.M1(ctx.Info(ContextInfoDevice, QueryValue{Dst: value}))
	decoded := must.M1(rt.DeviceFromInfo(value))
	assert.Equal(t, device, decoded)
	backendValue := make([]byte, 4)
	_ = must.M1(ctx.Info(ContextInfoBackend, QueryValue{Dst: backendValue}))
	assert.Equal(t, uint32(backendtest.Type), binary.LittleEndian.Uint32(backendValue))
	_, err = ctx.Info(ContextInfo(42), QueryLength{})
	requireCode(t, results.InvalidArgument, err)

	// Deinit is rejected while the context owns resources, and the context stays usable.
	buf := must.M1(ctx.CreateBuffer(16, BufferConfig{}))
	requireCode(t, results.ResourceBusy, ctx.Deinit())
	ev := must.M1(buf.Write(0, make([]byte, 16)))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	require.NoError(t, buf.Deinit())

	// A second context is independent, and can't be deinitialized twice.
	ctx2 := must.M1(device.CreateContext(ContextConfig{}))
	assert.NotEqual(t, must.M1(ctx.SessionID()), must.M1(ctx2.SessionID()))
	require.NoError(t, ctx2.Deinit())
	requireCode(t, results.InvalidContext, ctx2.Deinit())
	_, err = ctx2.CreateBuffer(16, BufferConfig{})
	requireCode(t, results.InvalidContext, err)
}

func TestContextCreationFailure(t *testing.T) {
	rt := must.M1(NewWithBackends(backendtest.New(backendtest.Config{ContextError: errors.New("no session")})))
	devices := must.M1(rt.Devices())
	_, err := devices[0].CreateContext(ContextConfig{})
	requireCode(t, results.DeviceUnavailable, err)
	for _, d := range devices {
		require.NoError(t, d.Deinit())
	}
	require.NoError(t, rt.Finalize())
}

func TestDeviceDeinitIsAdvisory(t *testing.T) {
	rt := must.M1(NewWithBackends(backendtest.New(backendtest.Config{})))
	devices := must.M1(rt.Devices())
	ctx := must.M1(devices[0].CreateContext(ContextConfig{}))
	for _, d := range devices {
		require.NoError(t, d.Deinit())
	}
	// The context keeps working after its device is deinitialized.
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	require.NoError(t, buf.Deinit())
	require.NoError(t, ctx.Deinit())
	require.NoError(t, rt.Finalize())
}

func TestBuffer(t *testing.T) {
	rt, _, ctx := setup(t, backendtest.Config{})
	_, err := ctx.CreateBuffer(0, BufferConfig{})
	requireCode(t, results.InvalidSize, err)
	_, err = ctx.CreateBuffer(-1, BufferConfig{})
	requireCode(t, results.InvalidSize, err)

	buf := must.M1(ctx.CreateBuffer(16, BufferConfig{}))
	assert.Equal(t, 16, must.M1(buf.Size()))
	assert.Equal(t, ctx, must.M1(buf.Context()))
	sizeValue := make([]byte, 8)
	_ = must.M1(buf.Info(BufferInfoSize, QueryValue{Dst: sizeValue}))
	assert.Equal(t, uint64(16), binary.LittleEndian.Uint64(sizeValue))
	ctxValue := make([]byte, EncodedHandleSize)
	_ = must.M1(buf.Info(BufferInfoContext, QueryValue{Dst: ctxValue}))
	assert.Equal(t, ctx, must.M1(rt.ContextFromInfo(ctxValue)))
	devValue := make([]byte, EncodedHandleSize)
	_ = must.M1(buf.Info(BufferInfoDevice, QueryValue{Dst: devValue}))
	assert.Equal(t, must.M1(ctx.Device()), must.M1(rt.DeviceFromInfo(devValue)))

	// Write then read round trip.
	data := []byte("0123456789abcdef")
	ev := must.M1(buf.Write(0, data))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	got := make([]byte, 6)
	ev = must.M1(buf.Read(10, got))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	assert.Equal(t, []byte("abcdef"), got)

	// Bounds are checked synchronously and no event is created.
	_, err = buf.Write(10, make([]byte, 7))
	requireCode(t, results.OutOfBounds, err)
	_, err = buf.Read(17, nil)
	requireCode(t, results.OutOfBounds, err)
	_, err = buf.Read(-1, got)
	requireCode(t, results.InvalidArgument, err)
	ev = must.M1(buf.Write(16, nil)) // Empty transfer at the end is fine.
	require.NoError(t, joinAndRelease(t, ev))

	// Copy within the context.
	dst := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	ev = must.M1(buf.CopyTo(4, dst, 2, 6))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	got = make([]byte, 8)
	ev = must.M1(dst.Read(0, got))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	assert.Equal(t, []byte("456789"), got[2:])
	_, err = buf.CopyTo(12, dst, 0, 5)
	requireCode(t, results.OutOfBounds, err)
	_, err = buf.CopyTo(0, dst, 4, 5)
	requireCode(t, results.OutOfBounds, err)
	_, err = buf.CopyTo(0, dst, 0, -1)
	requireCode(t, results.InvalidArgument, err)

	// Copy to another backend is not supported.
	otherRT := must.M1(NewWithBackends(backendtest.New(backendtest.Config{})))
	otherDevices := must.M1(otherRT.Devices())
	otherCtx := must.M1(otherDevices[0].CreateContext(ContextConfig{}))
	otherBuf := must.M1(otherCtx.CreateBuffer(16, BufferConfig{}))
	_, err = buf.CopyTo(0, otherBuf, 0, 4)
	requireCode(t, results.UnsupportedOperation, err)
	require.NoError(t, otherBuf.Deinit())
	require.NoError(t, otherCtx.Deinit())
	for _, d := range otherDevices {
		require.NoError(t, d.Deinit())
	}
	require.NoError(t, otherRT.Finalize())

	// The fake backend doesn't copy across contexts: the error is forwarded synchronously.
	ctx2 := must.M1(must.M1(ctx.Device()).CreateContext(ContextConfig{}))
	buf2 := must.M1(ctx2.CreateBuffer(16, BufferConfig{}))
	_, err = buf.CopyTo(0, buf2, 0, 4)
	requireCode(t, results.ContextMismatch, err)
	require.NoError(t, buf2.Deinit(), "a failed copy must not leave the buffer busy")
	require.NoError(t, ctx2.Deinit())

	require.NoError(t, dst.Deinit())
	require.NoError(t, buf.Deinit())
	requireCode(t, results.InvalidBuffer, buf.Deinit())
	_, err = buf.Size()
	requireCode(t, results.InvalidBuffer, err)
	assert.Equal(t, "Buffer(invalid)", buf.String())
}

func TestBufferDeinitWhileInFlight(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{Manual: true})
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	ev := must.M1(buf.Write(0, []byte{1, 2, 3, 4}))
	requireCode(t, results.ResourceBusy, buf.Deinit())
	require.Equal(t, 1, fake.FinishAll())
	require.NoError(t, ev.Join())
	require.NoError(t, buf.Deinit())
	require.NoError(t, ev.Release())
}

func TestEventStateMachine(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{Manual: true})
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	ev := must.M1(buf.Write(0, []byte{1, 2, 3, 4}))
	assert.Equal(t, backendtest.Type, ev.Backend())
	assert.Equal(t, StatusPending, must.M1(ev.Status()))

	var wg sync.WaitGroup
	wg.Add(2)
	var calls [2]int
	var errs [2]error
	for ii := range 2 {
		require.NoError(t, ev.OnComplete(func(err error, userData any) {
			idx := userData.(int)
			calls[idx]++
			errs[idx] = err
			wg.Done()
		}, ii))
	}
	requireCode(t, results.InvalidArgument, ev.OnComplete(nil, nil))

	ops := fake.Pending()
	require.Len(t, ops, 1)
	ops[0].Start()
	assert.Equal(t, StatusRunning, must.M1(ev.Status()))
	statusValue := make([]byte, 4)
	_ = must.M1(ev.Info(EventInfoStatus, QueryValue{Dst: statusValue}))
	assert.Equal(t, uint32(StatusRunning), binary.LittleEndian.Uint32(statusValue))

	ops[0].Finish(nil)
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Join(), "Join is idempotent")
	wg.Wait()
	assert.Equal(t, [2]int{1, 1}, calls)
	assert.Equal(t, [2]error{nil, nil}, errs)
	assert.Equal(t, StatusComplete, must.M1(ev.Status()))

	// Extra completions from the backend are ignored.
	ops[0].Finish(errors.New("late"))
	require.NoError(t, ev.Join())

	// A callback registered after completion still fires once.
	late := make(chan error, 1)
	require.NoError(t, ev.OnComplete(func(err error, _ any) { late <- err }, nil))
	require.NoError(t, <-late)

	// Reference counting.
	require.NoError(t, ev.Retain())
	require.NoError(t, ev.Release())
	require.NoError(t, ev.Release())
	requireCode(t, results.InvalidEvent, ev.Release())
	requireCode(t, results.InvalidEvent, ev.Retain())
	requireCode(t, results.InvalidEvent, ev.Join())
	require.NoError(t, buf.Deinit())
}

func TestEventReleaseBeforeCompletion(t *testing.T) {
	rt, fake, ctx := setup(t, backendtest.Config{Manual: true})
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	ev := must.M1(buf.Write(0, []byte{1, 2}))
	require.NoError(t, ev.Release())
	requireCode(t, results.InvalidEvent, ev.Release())

	// The bookkeeping is kept until the backend completes the operation.
	assert.True(t, rt.DetectMemoryLeaks())
	assert.Contains(t, rt.LeakReport(), "event")
	requireCode(t, results.ResourceBusy, buf.Deinit())
	require.Equal(t, 1, fake.FinishAll())
	require.NoError(t, buf.Deinit())
	// Only the device and context of the test remain alive.
	report := rt.LeakReport()
	assert.NotContains(t, report, "event #")
	assert.NotContains(t, report, "buffer #")
}

func TestEventFailure(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{Manual: true})
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	ev1 := must.M1(buf.Write(0, []byte{1}))
	ev2 := must.M1(buf.Write(1, []byte{2}))
	ops := fake.Pending()
	require.Len(t, ops, 2)
	ops[0].Finish(errors.New("device lost"))
	ops[1].Finish(errors.Wrap(results.OutOfBounds, "backend specific"))
	requireCode(t, results.ExecutionFailed, ev1.Join())
	requireCode(t, results.OutOfBounds, ev2.Join())
	requireCode(t, results.ExecutionFailed, JoinAll(ev1, ev2))
	require.NoError(t, ev1.Release())
	require.NoError(t, ev2.Release())
	require.NoError(t, buf.Deinit())
}

func TestLeakReport(t *testing.T) {
	rt, _, ctx := setup(t, backendtest.Config{})
	require.True(t, strings.Contains(rt.LeakReport(), "1 context(s)"))
	buf := must.M1(ctx.CreateBuffer(8, BufferConfig{}))
	report := rt.LeakReport()
	assert.Contains(t, report, "1 buffer(s)")
	assert.Contains(t, report, "resources_test.go", "allocation site must be recorded in debug mode")
	requireCode(t, results.ResourceBusy, rt.Finalize())
	assert.True(t, DetectMemoryLeaks())
	require.NoError(t, buf.Deinit())
	assert.NotContains(t, rt.LeakReport(), "buffer")
}

// saxpyKernel computes y[i] = a*x[i] + y[i] over float32 buffers.
func saxpyKernel(args []backends.Arg, globalSize int) error {
	a := math.Float32frombits(binary.LittleEndian.Uint32(args[0].Value))
	x := backendtest.Bytes(args[1].Buffer)
	y := backendtest.Bytes(args[2].Buffer)
	for i := range globalSize {
		xi := math.Float32frombits(binary.LittleEndian.Uint32(x[4*i:]))
		yi := math.Float32frombits(binary.LittleEndian.Uint32(y[4*i:]))
		binary.LittleEndian.PutUint32(y[4*i:], math.Float32bits(a*xi+yi))
	}
	return nil
}

func float32Bytes(values ...float32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestSymbolDispatch(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{})
	fake.AddProgram("kernels", map[string]backendtest.SymbolSpec{
		"saxpy": {
			Params:   []backends.Param{backends.Float(32), backends.BufferParam, backends.BufferParam},
			Declared: true,
			Fn:       saxpyKernel,
		},
		"fails": {
			Declared: true,
			Fn:       func([]backends.Arg, int) error { return errors.New("kernel exploded") },
		},
	})
	_, err := ctx.OpenProgram("missing")
	requireCode(t, results.ProgramLoadFailed, err)
	prog := must.M1(ctx.OpenProgram("kernels"))
	assert.Equal(t, "kernels", must.M1(prog.Path()))
	_, err = prog.Symbol("nope")
	requireCode(t, results.SymbolNotFound, err)
	saxpy := must.M1(prog.Symbol("saxpy"))
	params, declared := must.M2(saxpy.Params())
	require.True(t, declared)
	require.Len(t, params, 3)

	const n = 4
	x := must.M1(ctx.CreateBuffer(4*n, BufferConfig{}))
	y := must.M1(ctx.CreateBuffer(4*n, BufferConfig{}))
	require.NoError(t, joinAndRelease(t,
		must.M1(x.Write(0, float32Bytes(1, 2, 3, 4))),
		must.M1(y.Write(0, float32Bytes(10, 20, 30, 40)))))

	// Unbound arguments and invalid sizes.
	_, err = saxpy.Dispatch(n)
	requireCode(t, results.UnboundArgument, err)
	require.NoError(t, saxpy.SetFloat(0, FloatBits32, 2))
	require.NoError(t, saxpy.SetBuffer(1, x))
	_, err = saxpy.Dispatch(n)
	requireCode(t, results.UnboundArgument, err)
	require.NoError(t, saxpy.SetBuffer(2, y))
	_, err = saxpy.Dispatch(0)
	requireCode(t, results.InvalidSize, err)

	// Binding validation.
	requireCode(t, results.InvalidArgument, saxpy.SetFloat(0, FloatBits64, 2))
	requireCode(t, results.InvalidArgument, saxpy.SetFloat(0, FloatBits(8), 2))
	requireCode(t, results.InvalidArgument, saxpy.SetInt64(0, 2))
	requireCode(t, results.InvalidArgument, saxpy.SetFloat(3, FloatBits32, 2))
	requireCode(t, results.InvalidArgument, saxpy.SetFloat(-1, FloatBits32, 2))
	requireCode(t, results.InvalidArgument, saxpy.SetBuffer(0, x))

	ev := must.M1(saxpy.Dispatch(n))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	got := make([]byte, 4*n)
	require.NoError(t, joinAndRelease(t, must.M1(y.Read(0, got))))
	assert.Equal(t, float32Bytes(12, 24, 36, 48), got)

	// Bound buffers can't be deinitialized, nor the program while the symbol is alive.
	requireCode(t, results.ResourceBusy, x.Deinit())
	requireCode(t, results.ResourceBusy, prog.Deinit())

	// A buffer of another context can't be bound.
	ctx2 := must.M1(must.M1(ctx.Device()).CreateContext(ContextConfig{}))
	other := must.M1(ctx2.CreateBuffer(4*n, BufferConfig{}))
	requireCode(t, results.ContextMismatch, saxpy.SetBuffer(1, other))
	require.NoError(t, other.Deinit())
	require.NoError(t, ctx2.Deinit())

	// Asynchronous kernel failures are reported through the event.
	fails := must.M1(prog.Symbol("fails"))
	ev = must.M1(fails.Dispatch(1))
	requireCode(t, results.ExecutionFailed, ev.Join())
	require.NoError(t, ev.Release())
	require.NoError(t, fails.Deinit())

	require.NoError(t, saxpy.Deinit())
	requireCode(t, results.InvalidSymbol, saxpy.Deinit())
	require.NoError(t, x.Deinit())
	require.NoError(t, y.Deinit())
	require.NoError(t, prog.Deinit())
	requireCode(t, results.InvalidProgram, prog.Deinit())
}

func TestSymbolBusyBuffersWhileDispatching(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{Manual: true})
	fake.AddProgram("p", map[string]backendtest.SymbolSpec{
		"k": {Params: []backends.Param{backends.BufferParam}, Declared: true},
	})
	prog := must.M1(ctx.OpenProgram("p"))
	sym := must.M1(prog.Symbol("k"))
	buf := must.M1(ctx.CreateBuffer(4, BufferConfig{}))
	require.NoError(t, sym.SetBuffer(0, buf))
	ev := must.M1(sym.Dispatch(1))
	require.NoError(t, sym.Deinit())
	// The symbol binding is gone, but the dispatch is still in flight.
	requireCode(t, results.ResourceBusy, buf.Deinit())
	require.Equal(t, 1, fake.FinishAll())
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	require.NoError(t, buf.Deinit())
	require.NoError(t, prog.Deinit())
}

func TestSymbolUndeclaredParams(t *testing.T) {
	_, fake, ctx := setup(t, backendtest.Config{})
	var gotArgs []backends.Arg
	fake.AddProgram("native", map[string]backendtest.SymbolSpec{
		"f": {Fn: func(args []backends.Arg, _ int) error {
			gotArgs = args
			return nil
		}},
	})
	prog := must.M1(ctx.OpenProgram("native"))
	sym := must.M1(prog.Symbol("f"))
	_, declared := must.M2(sym.Params())
	require.False(t, declared)

	// Any binding is accepted, but must be contiguous from 0.
	require.NoError(t, sym.SetInteger(0, true, IntBits8, []byte{0xFF}))
	require.NoError(t, sym.SetInteger(2, false, IntBits128, make([]byte, 16)))
	_, err := sym.Dispatch(1)
	requireCode(t, results.UnboundArgument, err)
	require.NoError(t, sym.SetFloat(1, FloatBits16, 1.5))
	requireCode(t, results.InvalidArgument, sym.SetInteger(0, true, IntBits(12), []byte{0, 0}))
	requireCode(t, results.InvalidArgument, sym.SetInteger(0, true, IntBits32, []byte{0, 0}))
	requireCode(t, results.InvalidArgument, sym.SetUint64(MaxUndeclaredArgs, 1))

	ev := must.M1(sym.Dispatch(1))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	require.Len(t, gotArgs, 3)
	assert.Equal(t, backends.Int(8), gotArgs[0].Param)
	assert.Equal(t, []byte{0xFF}, gotArgs[0].Value)
	assert.Equal(t, backends.Float(16), gotArgs[1].Param)
	assert.Equal(t, float16.Fromfloat32(1.5).Bits(), binary.LittleEndian.Uint16(gotArgs[1].Value))
	assert.Equal(t, backends.Uint(128), gotArgs[2].Param)

	// Overwriting a slot.
	require.NoError(t, sym.SetInt64(0, -3))
	ev = must.M1(sym.Dispatch(1))
	require.NoError(t, ev.Join())
	require.NoError(t, ev.Release())
	assert.Equal(t, backends.Int(64), gotArgs[0].Param)
	assert.Equal(t, uint64(math.MaxUint64-2), binary.LittleEndian.Uint64(gotArgs[0].Value))

	require.NoError(t, sym.Deinit())
	require.NoError(t, prog.Deinit())
}

func TestConcurrentCreateDeinit(t *testing.T) {
	_, _, ctx := setup(t, backendtest.Config{})
	const numWorkers, numIterations = 8, 50
	var wg sync.WaitGroup
	for w := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(w)}, 32)
			for range numIterations {
				buf, err := ctx.CreateBuffer(len(data), BufferConfig{})
				if !assert.NoError(t, err) {
					return
				}
				ev, err := buf.Write(0, data)
				if assert.NoError(t, err) {
					assert.NoError(t, ev.Join())
					assert.NoError(t, ev.Release())
				}
				got := make([]byte, len(data))
				ev, err = buf.Read(0, got)
				if assert.NoError(t, err) {
					assert.NoError(t, ev.Join())
					assert.NoError(t, ev.Release())
					assert.Equal(t, data, got)
				}
				assert.NoError(t, buf.Deinit())
			}
		}()
	}
	wg.Wait()
}

// joinAndRelease joins and releases the events, and returns the first error.
func joinAndRelease(t *testing.T, events ...Event) error {
	err := JoinAll(events...)
	for _, ev := range events {
		require.NoError(t, ev.Release())
	}
	return err
}
