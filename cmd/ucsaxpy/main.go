// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ucsaxpy runs y = a*x + y on a compute device, verifies the result on the host, and reports the throughput.
//
// The kernel is a Go kernel module on the host backend, and an OpenCL C kernel on OpenCL devices.
//
// Usage:
//
//	ucsaxpy [-backends=host] [-device=0] [-n=1048576] [-iterations=100]
package main

import (
	_ "embed"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	_ "github.com/gomlx/unicompute/backends/default"
	"github.com/gomlx/unicompute/backends/host"
	"github.com/gomlx/unicompute/compute"
	"github.com/gomlx/unicompute/results"
)

var (
	flagBackends   = flag.String("backends", backends.ConfigFromEnv(), "Backends configuration, see ucinfo -help.")
	flagDevice     = flag.Int("device", 0, "Index of the device to run on, as listed by ucinfo.")
	flagN          = flag.Int("n", 1<<20, "Number of elements of the vectors.")
	flagIterations = flag.Int("iterations", 100, "Number of times to dispatch the kernel.")
	flagA          = flag.Float64("a", 0.5, "Scalar multiplier.")
	flagDebug      = flag.Bool("debug", false, "Create the context in debug mode.")
)

//go:embed saxpy.cl
var saxpySource []byte

// hostModule is the name under which the Go saxpy kernel is registered for the host backend.
const hostModule = "ucsaxpy"

func init() {
	host.RegisterModule(hostModule, &host.Module{Kernels: map[string]*host.Kernel{
		"saxpy": {
			Params: []backends.Param{backends.Float(32), backends.BufferParam, backends.BufferParam},
			Fn: func(args host.Args, start, end int) error {
				a := float32(args.Float(0))
				x, y := args.Float32s(1), args.Float32s(2)
				for i := start; i < end; i++ {
					y[i] = a*x[i] + y[i]
				}
				return nil
			},
		},
	}})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("ucsaxpy failed: %s (%+v)", results.CodeOf(err), err)
		os.Exit(1)
	}
}

func run() error {
	if *flagN <= 0 || *flagIterations <= 0 {
		return errors.Wrap(results.InvalidArgument, "-n and -iterations must be positive")
	}
	rt, err := compute.NewWithConfig(*flagBackends)
	if err != nil {
		return err
	}
	defer func() { must.M(rt.Finalize()) }()

	devices, err := rt.Devices()
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range devices {
			must.M(d.Deinit())
		}
	}()
	if *flagDevice < 0 || *flagDevice >= len(devices) {
		return errors.Wrapf(results.InvalidArgument, "-device=%d but there are %d devices", *flagDevice, len(devices))
	}
	device := devices[*flagDevice]
	fmt.Printf("Device: %s\n", device)

	ctx, err := device.CreateContext(compute.ContextConfig{Debug: *flagDebug})
	if err != nil {
		return err
	}
	defer func() { must.M(ctx.Deinit()) }()
	return saxpy(ctx)
}

// programPath returns the program to open for the backend of the context.
func programPath(ctx compute.Context) (string, error) {
	if ctx.Backend() == backends.TypeHost {
		return hostModule, nil
	}
	dir, err := os.MkdirTemp("", "ucsaxpy")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary directory for the kernel source")
	}
	path := filepath.Join(dir, "saxpy.cl")
	if err := os.WriteFile(path, saxpySource, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %q", path)
	}
	return path, nil
}

func saxpy(ctx compute.Context) error {
	n := *flagN
	a := float32(*flagA)
	xs, ys := make([]float32, n), make([]float32, n)
	for i := range n {
		xs[i], ys[i] = float32(i%1000), 1
	}

	x, err := ctx.CreateBuffer(4*n, compute.BufferConfig{})
	if err != nil {
		return err
	}
	defer func() { must.M(x.Deinit()) }()
	y, err := ctx.CreateBuffer(4*n, compute.BufferConfig{})
	if err != nil {
		return err
	}
	defer func() { must.M(y.Deinit()) }()
	if err := joinAll(must.M1(x.Write(0, encode(xs))), must.M1(y.Write(0, encode(ys)))); err != nil {
		return err
	}

	path, err := programPath(ctx)
	if err != nil {
		return err
	}
	if path != hostModule {
		defer func() { _ = os.RemoveAll(filepath.Dir(path)) }()
	}
	prog, err := ctx.OpenProgram(path)
	if err != nil {
		return err
	}
	defer func() { must.M(prog.Deinit()) }()
	symbol, err := prog.Symbol("saxpy")
	if err != nil {
		return err
	}
	defer func() { must.M(symbol.Deinit()) }()
	must.M(symbol.SetFloat(0, compute.FloatBits32, float64(a)))
	must.M(symbol.SetBuffer(1, x))
	must.M(symbol.SetBuffer(2, y))

	bar := progressbar.NewOptions(*flagIterations,
		progressbar.OptionSetDescription("saxpy"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("dispatches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	start := time.Now()
	for range *flagIterations {
		ev, err := symbol.Dispatch(n)
		if err != nil {
			return err
		}
		if err := joinAll(ev); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()

	got := make([]byte, 4*n)
	if err := joinAll(must.M1(y.Read(0, got))); err != nil {
		return err
	}
	if err := verify(xs, ys, a, *flagIterations, decode(got)); err != nil {
		return err
	}
	bytesMoved := uint64(3*4*n) * uint64(*flagIterations)
	fmt.Printf("%s elements x %d iterations in %s: %s/s\n", humanize.Comma(int64(n)), *flagIterations, elapsed,
		humanize.IBytes(uint64(float64(bytesMoved)/elapsed.Seconds())))
	return nil
}

// joinAll waits for the events and releases them.
func joinAll(events ...compute.Event) error {
	err := compute.JoinAll(events...)
	for _, ev := range events {
		must.M(ev.Release())
	}
	return err
}

// verify that every element matches the result of applying saxpy iterations times on the host.
func verify(xs, ys []float32, a float32, iterations int, got []float32) error {
	for i := range xs {
		want := ys[i]
		for range iterations {
			want = a*xs[i] + want
		}
		if diff := math.Abs(float64(got[i] - want)); diff > 1e-3*math.Max(1, math.Abs(float64(want))) {
			return errors.Errorf("element %d: got %g, wanted %g", i, got[i], want)
		}
	}
	return nil
}

func encode(values []float32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func decode(b []byte) []float32 {
	values := make([]float32, len(b)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return values
}
