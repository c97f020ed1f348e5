// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backendtest implements a scripted in-memory backend, used to test the runtime without hardware.
//
// The fake backend exposes fixture devices, keeps buffers in host memory, and serves programs declared with
// Backend.AddProgram. By default operations complete asynchronously right away. In manual mode
// (Config.Manual) every operation is queued, and the test drives its completion with Op.Start and Op.Finish.
package backendtest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// Type is the backend tag of the fake backend.
const Type backends.Type = 0xFE

// BackendName of the fake backend.
const BackendName = "fake"

// DeviceSpec describes a fixture device.
type DeviceSpec struct {
	Vendor, Name string
	Cores        int
	MaxFrequency int
	Features     string
}

// DefaultDevices are the devices of a backend created with an empty Config.Devices.
var DefaultDevices = []DeviceSpec{
	{Vendor: "Fake Vendor", Name: "Fake Device 0", Cores: 4, MaxFrequency: 1000, Features: "fake"},
	{Vendor: "Fake Vendor", Name: "Fake Device 1", Cores: 8, MaxFrequency: 2000, Features: "fake,double"},
}

// Config of the fake backend.
type Config struct {
	Devices []DeviceSpec

	// Manual makes every operation wait in Backend.Pending until finished by the test.
	Manual bool

	// DiscoveryError, if set, is returned by Devices.
	DiscoveryError error

	// ContextError, if set, is returned when creating contexts.
	ContextError error
}

// Kernel is the Go implementation of a fake kernel. Buffer arguments can be accessed with Bytes.
type Kernel func(args []backends.Arg, globalSize int) error

// SymbolSpec describes a kernel of a fake program.
type SymbolSpec struct {
	Params   []backends.Param
	Declared bool
	Fn       Kernel
}

// Op is an operation queued in manual mode.
type Op struct {
	// Description of the operation, e.g. "write(offset=0, len=16)".
	Description string
	done        backends.Completion
	run         func() error
}

// Start marks the operation as running.
func (op *Op) Start() { op.done.Start() }

// Finish executes the operation and completes it. If err is not nil, the operation is not executed and
// completes with err.
func (op *Op) Finish(err error) {
	if err == nil {
		err = op.run()
	}
	op.done.Finish(err)
}

// Backend is the fake backends.Backend.
type Backend struct {
	config  Config
	devices []backends.Device

	mu        sync.Mutex
	programs  map[string]map[string]SymbolSpec
	pending   []*Op
	finalized bool
	counts    Counts
}

// Counts of live backend resources, to check the runtime releases everything.
type Counts struct {
	Contexts, Buffers, Programs, Symbols int
}

var _ backends.Backend = (*Backend)(nil)

// New creates a fake backend. It can be given to compute.NewWithBackends.
func New(config Config) *Backend {
	b := &Backend{config: config, programs: make(map[string]map[string]SymbolSpec)}
	specs := config.Devices
	if len(specs) == 0 {
		specs = DefaultDevices
	}
	for _, spec := range specs {
		b.devices = append(b.devices, &device{backend: b, spec: spec})
	}
	return b
}

// Register the fake backend under BackendName, so it can be selected with a configuration string.
// Options: "manual" (see Config.Manual).
func Register() {
	backends.Register(BackendName, Type, func(config string) (backends.Backend, error) {
		options, err := backends.ParseOptions(config)
		if err != nil {
			return nil, err
		}
		return New(Config{Manual: options["manual"] == "true"}), nil
	})
}

// AddProgram declares the program at path, with the given kernels.
func (b *Backend) AddProgram(path string, symbols map[string]SymbolSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.programs[path] = symbols
}

// Pending returns the operations waiting to be finished, in order of submission, and removes them from the queue.
func (b *Backend) Pending() []*Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := b.pending
	b.pending = nil
	return ops
}

// FinishAll finishes all pending operations successfully. It returns the number of operations finished.
func (b *Backend) FinishAll() int {
	ops := b.Pending()
	for _, op := range ops {
		op.Start()
		op.Finish(nil)
	}
	return len(ops)
}

// Counts returns the number of live backend resources.
func (b *Backend) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// IsFinalized returns whether Finalize was called.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

func (b *Backend) Type() backends.Type { return Type }
func (b *Backend) Name() string        { return BackendName }
func (b *Backend) Description() string { return "In-memory fake backend for tests" }

func (b *Backend) Devices() ([]backends.Device, error) {
	if b.config.DiscoveryError != nil {
		return nil, b.config.DiscoveryError
	}
	return b.devices, nil
}

func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
}

func (b *Backend) count(counter *int, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*counter += delta
}

// submit runs the operation asynchronously, or queues it in manual mode.
func (b *Backend) submit(description string, done backends.Completion, run func() error) {
	op := &Op{Description: description, done: done, run: run}
	if b.config.Manual {
		b.mu.Lock()
		b.pending = append(b.pending, op)
		b.mu.Unlock()
		return
	}
	go func() {
		op.Start()
		op.Finish(nil)
	}()
}

type device struct {
	backend *Backend
	spec    DeviceSpec
}

func (d *device) Vendor() string    { return d.spec.Vendor }
func (d *device) Name() string      { return d.spec.Name }
func (d *device) CoreCount() int    { return d.spec.Cores }
func (d *device) MaxFrequency() int { return d.spec.MaxFrequency }
func (d *device) Features() string  { return d.spec.Features }

func (d *device) NewContext(config backends.ContextConfig) (backends.Context, error) {
	if d.backend.config.ContextError != nil {
		return nil, d.backend.config.ContextError
	}
	d.backend.count(&d.backend.counts.Contexts, 1)
	return &context{backend: d.backend, device: d, debug: config.Debug}, nil
}

type context struct {
	backend *Backend
	device  *device
	debug   bool
}

func (c *context) NewBuffer(size int) (backends.Buffer, error) {
	c.backend.count(&c.backend.counts.Buffers, 1)
	return &Buffer{ctx: c, data: make([]byte, size)}, nil
}

func (c *context) OpenProgram(path string) (backends.Program, error) {
	c.backend.mu.Lock()
	symbols, found := c.backend.programs[path]
	c.backend.mu.Unlock()
	if !found {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "fake program %q not declared", path)
	}
	c.backend.count(&c.backend.counts.Programs, 1)
	return &program{ctx: c, path: path, symbols: symbols}, nil
}

func (c *context) Finalize() error {
	c.backend.count(&c.backend.counts.Contexts, -1)
	return nil
}

// Buffer is the fake backends.Buffer, backed by host memory.
type Buffer struct {
	ctx  *context
	mu   sync.Mutex
	data []byte
}

// Bytes returns the contents of a fake buffer given as a kernel argument.
// It panics if buffer is not a fake Buffer.
func Bytes(buffer backends.Buffer) []byte {
	return buffer.(*Buffer).data
}

func (buf *Buffer) Size() int { return len(buf.data) }

func (buf *Buffer) Write(offset int, src []byte, done backends.Completion) error {
	buf.ctx.backend.submit(fmt.Sprintf("write(offset=%d, len=%d)", offset, len(src)), done, func() error {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		copy(buf.data[offset:], src)
		return nil
	})
	return nil
}

func (buf *Buffer) Read(offset int, dst []byte, done backends.Completion) error {
	buf.ctx.backend.submit(fmt.Sprintf("read(offset=%d, len=%d)", offset, len(dst)), done, func() error {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		copy(dst, buf.data[offset:offset+len(dst)])
		return nil
	})
	return nil
}

func (buf *Buffer) CopyTo(srcOffset int, dst backends.Buffer, dstOffset, length int, done backends.Completion) error {
	dstBuf, ok := dst.(*Buffer)
	if !ok {
		return errors.Wrapf(results.UnsupportedOperation, "fake buffer can't copy to %T", dst)
	}
	if dstBuf.ctx != buf.ctx {
		return errors.Wrap(results.ContextMismatch, "fake backend can't copy across contexts")
	}
	buf.ctx.backend.submit(fmt.Sprintf("copy(len=%d)", length), done, func() error {
		tmp := slices.Clone(buf.data[srcOffset : srcOffset+length])
		dstBuf.mu.Lock()
		defer dstBuf.mu.Unlock()
		copy(dstBuf.data[dstOffset:], tmp)
		return nil
	})
	return nil
}

func (buf *Buffer) Finalize() error {
	buf.ctx.backend.count(&buf.ctx.backend.counts.Buffers, -1)
	buf.data = nil
	return nil
}

type program struct {
	ctx     *context
	path    string
	symbols map[string]SymbolSpec
}

func (p *program) Symbol(name string) (backends.Symbol, error) {
	spec, found := p.symbols[name]
	if !found {
		return nil, errors.Wrapf(results.SymbolNotFound, "fake program %q has no kernel %q", p.path, name)
	}
	p.ctx.backend.count(&p.ctx.backend.counts.Symbols, 1)
	return &symbol{program: p, name: name, spec: spec}, nil
}

func (p *program) Finalize() error {
	p.ctx.backend.count(&p.ctx.backend.counts.Programs, -1)
	return nil
}

type symbol struct {
	program *program
	name    string
	spec    SymbolSpec
}

func (s *symbol) Params() ([]backends.Param, bool) {
	if !s.spec.Declared {
		return nil, false
	}
	return s.spec.Params, true
}

func (s *symbol) Launch(args []backends.Arg, globalSize int, done backends.Completion) error {
	s.program.ctx.backend.submit(fmt.Sprintf("dispatch(%q, globalSize=%d)", s.name, globalSize), done,
		func() error {
			if s.spec.Fn == nil {
				return nil
			}
			return s.spec.Fn(args, globalSize)
		})
	return nil
}

func (s *symbol) Finalize() error {
	s.program.ctx.backend.count(&s.program.ctx.backend.counts.Symbols, -1)
	return nil
}
