// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/backends/host"
	"github.com/gomlx/unicompute/compute"
	"github.com/gomlx/unicompute/results"
)

func init() {
	host.RegisterModule("test/kernels", &host.Module{Kernels: map[string]*host.Kernel{
		"saxpy": {
			Params: []backends.Param{backends.Float(32), backends.BufferParam, backends.BufferParam},
			Fn: func(args host.Args, start, end int) error {
				a := float32(args.Float(0))
				x, y := args.Float32s(1), args.Float32s(2)
				for i := start; i < end; i++ {
					y[i] += a * x[i]
				}
				return nil
			},
			MinChunk: 100,
		},
		"count": {
			Params: []backends.Param{backends.Int(64)},
			Fn: func(args host.Args, start, end int) error {
				counter.Add(int64(end-start) * args.Int(0))
				return nil
			},
			MinChunk: 1,
		},
		"panics": {
			Fn: func(host.Args, int, int) error { panic("kernel bug") },
		},
		"fails": {
			Fn: func(_ host.Args, start, _ int) error { return errors.Errorf("failed at %d", start) },
		},
	}})
}

var counter atomic.Int64

// newHost creates a runtime with a host backend and a context on its device.
func newHost(t *testing.T, config string, debug bool) compute.Context {
	b := must.M1(host.New(config))
	rt := must.M1(compute.NewWithBackends(b))
	devices := must.M1(rt.Devices(backends.TypeHost))
	require.Len(t, devices, 1)
	ctx := must.M1(devices[0].CreateContext(compute.ContextConfig{Debug: debug}))
	t.Cleanup(func() {
		require.NoError(t, ctx.Deinit())
		require.NoError(t, devices[0].Deinit())
		require.False(t, rt.DetectMemoryLeaks(), rt.LeakReport())
		require.NoError(t, rt.Finalize())
	})
	return ctx
}

func float32Bytes(values ...float32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// join waits for the event and releases it.
func join(t *testing.T, ev compute.Event) error {
	defer func() { require.NoError(t, ev.Release()) }()
	return ev.Join()
}

func TestSaxpy(t *testing.T) {
	if binary.NativeEndian.Uint16([]byte{1, 0}) != 1 {
		t.Skip("kernel test assumes a little-endian host")
	}
	ctx := newHost(t, "parallelism=4", false)
	const n = 1000
	xs, ys, want := make([]float32, n), make([]float32, n), make([]float32, n)
	for i := range n {
		xs[i], ys[i] = float32(i), float32(2*i)
		want[i] = 3*xs[i] + ys[i]
	}
	x := must.M1(ctx.CreateBuffer(4*n, compute.BufferConfig{}))
	y := must.M1(ctx.CreateBuffer(4*n, compute.BufferConfig{}))
	require.NoError(t, join(t, must.M1(x.Write(0, float32Bytes(xs...)))))
	require.NoError(t, join(t, must.M1(y.Write(0, float32Bytes(ys...)))))

	prog := must.M1(ctx.OpenProgram("test/kernels"))
	saxpy := must.M1(prog.Symbol("saxpy"))
	require.NoError(t, saxpy.SetFloat(0, compute.FloatBits32, 3))
	require.NoError(t, saxpy.SetBuffer(1, x))
	require.NoError(t, saxpy.SetBuffer(2, y))
	require.NoError(t, join(t, must.M1(saxpy.Dispatch(n))))

	got := make([]byte, 4*n)
	require.NoError(t, join(t, must.M1(y.Read(0, got))))
	assert.Equal(t, float32Bytes(want...), got)

	require.NoError(t, saxpy.Deinit())
	require.NoError(t, prog.Deinit())
	require.NoError(t, x.Deinit())
	require.NoError(t, y.Deinit())
}

func TestWriteReadScenario(t *testing.T) {
	rt := must.M1(compute.NewWithBackends(must.M1(host.New(""))))
	devices := must.M1(rt.Devices())
	require.Len(t, devices, 1)
	ctx := must.M1(devices[0].CreateContext(compute.ContextConfig{Debug: true}))
	want := float32Bytes(1, 2, 3, 4, 5)
	buf := must.M1(ctx.CreateBuffer(len(want), compute.BufferConfig{}))
	require.NoError(t, join(t, must.M1(buf.Write(0, want))))
	got := make([]byte, len(want))
	require.NoError(t, join(t, must.M1(buf.Read(0, got))))
	assert.Equal(t, want, got)

	// Read-after-write at a mid-buffer offset, and up to the end of the buffer.
	require.NoError(t, join(t, must.M1(buf.Write(8, float32Bytes(30, 40, 50)))))
	got = make([]byte, 12)
	require.NoError(t, join(t, must.M1(buf.Read(8, got))))
	assert.Equal(t, float32Bytes(30, 40, 50), got)
	_, err := buf.Read(8, make([]byte, 16))
	assert.Equal(t, results.OutOfBounds, results.CodeOf(err))

	require.NoError(t, buf.Deinit())
	require.NoError(t, ctx.Deinit())
	require.NoError(t, devices[0].Deinit())
	assert.False(t, rt.DetectMemoryLeaks(), rt.LeakReport())
	require.NoError(t, rt.Finalize())
}

func TestKernelChunks(t *testing.T) {
	for _, config := range []string{"parallelism=1", "parallelism=3", "parallelism=-1"} {
		t.Run(config, func(t *testing.T) {
			ctx := newHost(t, config, false)
			prog := must.M1(ctx.OpenProgram("test/kernels"))
			count := must.M1(prog.Symbol("count"))
			require.NoError(t, count.SetInt64(0, 2))
			counter.Store(0)
			require.NoError(t, join(t, must.M1(count.Dispatch(1001))))
			assert.Equal(t, int64(2002), counter.Load(), "every work item must be processed exactly once")
			require.NoError(t, count.Deinit())
			require.NoError(t, prog.Deinit())
		})
	}
}

func TestKernelFailures(t *testing.T) {
	ctx := newHost(t, "", false)
	prog := must.M1(ctx.OpenProgram("test/kernels"))
	for _, name := range []string{"panics", "fails"} {
		sym := must.M1(prog.Symbol(name))
		err := join(t, must.M1(sym.Dispatch(10)))
		require.Error(t, err)
		assert.Equal(t, results.ExecutionFailed, results.CodeOf(err), "%+v", err)
		require.NoError(t, sym.Deinit())
	}
	_, err := prog.Symbol("missing")
	assert.Equal(t, results.SymbolNotFound, results.CodeOf(err))
	require.NoError(t, prog.Deinit())
}

func TestOpenProgramFailures(t *testing.T) {
	ctx := newHost(t, "", false)
	_, err := ctx.OpenProgram(filepath.Join(t.TempDir(), "missing.so"))
	assert.Equal(t, results.ProgramLoadFailed, results.CodeOf(err), "%+v", err)

	notALibrary := filepath.Join(t.TempDir(), "kernel.so")
	require.NoError(t, os.WriteFile(notALibrary, []byte("#!/bin/sh\necho not a library\n"), 0o644))
	_, err = ctx.OpenProgram(notALibrary)
	assert.Equal(t, results.ProgramLoadFailed, results.CodeOf(err), "%+v", err)
}

func TestDebugPoisoning(t *testing.T) {
	ctx := newHost(t, "", true)
	buf := must.M1(ctx.CreateBuffer(32, compute.BufferConfig{}))
	got := make([]byte, 32)
	require.NoError(t, join(t, must.M1(buf.Read(0, got))))
	assert.Equal(t, bytes.Repeat([]byte{host.PoisonByte}, 32), got)
	require.NoError(t, buf.Deinit())
}

func TestCopyAcrossContexts(t *testing.T) {
	ctx := newHost(t, "parallelism=2", false)
	device := must.M1(ctx.Device())
	ctx2 := must.M1(device.CreateContext(compute.ContextConfig{}))
	src := must.M1(ctx.CreateBuffer(8, compute.BufferConfig{}))
	dst := must.M1(ctx2.CreateBuffer(8, compute.BufferConfig{}))
	require.NoError(t, join(t, must.M1(src.Write(0, []byte("abcdefgh")))))
	require.NoError(t, join(t, must.M1(src.CopyTo(2, dst, 0, 6))))
	got := make([]byte, 6)
	require.NoError(t, join(t, must.M1(dst.Read(0, got))))
	assert.Equal(t, []byte("cdefgh"), got)
	require.NoError(t, src.Deinit())
	require.NoError(t, dst.Deinit())
	require.NoError(t, ctx2.Deinit())
}

func TestManyConcurrentTransfers(t *testing.T) {
	ctx := newHost(t, "parallelism=2", false)
	buf := must.M1(ctx.CreateBuffer(1024, compute.BufferConfig{}))
	var events []compute.Event
	for i := range 64 {
		ev, err := buf.Write(16*i, bytes.Repeat([]byte{byte(i)}, 16))
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.NoError(t, compute.JoinAll(events...))
	for _, ev := range events {
		status := must.M1(ev.Status())
		assert.Equal(t, compute.StatusComplete, status)
		require.NoError(t, ev.Release())
	}
	got := make([]byte, 1024)
	require.NoError(t, join(t, must.M1(buf.Read(0, got))))
	for i := range 64 {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 16), got[16*i:16*(i+1)])
	}
	require.NoError(t, buf.Deinit())
}
