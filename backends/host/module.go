// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"encoding/binary"
	"math"
	"math/big"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/workerspool"
	"github.com/gomlx/unicompute/results"
)

// DefaultMinChunk is the minimum number of work items per chunk of a kernel, if Kernel.MinChunk is not set.
const DefaultMinChunk = 256

// Kernel is a Go implementation of a kernel.
type Kernel struct {
	// Params declared by the kernel. Arguments are validated against them before Fn is called.
	Params []backends.Param

	// Fn processes the work items in [start, end). It is called concurrently for disjoint ranges that
	// together cover [0, globalSize).
	Fn func(args Args, start, end int) error

	// MinChunk is the minimum number of work items given to one call of Fn. Defaults to DefaultMinChunk.
	MinChunk int
}

// Module is a set of named kernels, that can be opened as a program once registered with RegisterModule.
type Module struct {
	Kernels map[string]*Kernel
}

var (
	muModules sync.Mutex
	modules   = make(map[string]*Module)
)

// RegisterModule makes module available to Context.OpenProgram under name, replacing any module previously
// registered with the same name. Registered modules take precedence over native libraries with the same path.
//
// To be safe, call RegisterModule during initialization of a package.
func RegisterModule(name string, module *Module) {
	muModules.Lock()
	defer muModules.Unlock()
	modules[name] = module
}

// RegisteredModules returns the names of the registered modules, sorted.
func RegisteredModules() []string {
	muModules.Lock()
	defer muModules.Unlock()
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupModule(name string) (*Module, bool) {
	muModules.Lock()
	defer muModules.Unlock()
	module, found := modules[name]
	return module, found
}

type moduleProgram struct {
	ctx    *Context
	name   string
	module *Module
}

func (p *moduleProgram) Symbol(name string) (backends.Symbol, error) {
	kernel, found := p.module.Kernels[name]
	if !found || kernel == nil || kernel.Fn == nil {
		return nil, errors.Wrapf(results.SymbolNotFound, "module %q has no kernel %q", p.name, name)
	}
	return &moduleSymbol{program: p, name: name, kernel: kernel}, nil
}

func (p *moduleProgram) Finalize() error { return nil }

type moduleSymbol struct {
	program *moduleProgram
	name    string
	kernel  *Kernel
}

func (s *moduleSymbol) Params() ([]backends.Param, bool) { return s.kernel.Params, true }

func (s *moduleSymbol) Launch(args []backends.Arg, globalSize int, done backends.Completion) error {
	pool := s.program.ctx.backend.pool
	return s.program.ctx.backend.submit(done, func() error {
		return runKernel(pool, s.kernel, args, globalSize)
	})
}

func (s *moduleSymbol) Finalize() error { return nil }

// runKernel splits [0, globalSize) in chunks, and runs them in parallel.
// The calling worker runs chunks inline when the limit of parallel chunks is reached.
func runKernel(pool *workerspool.Pool, kernel *Kernel, args Args, globalSize int) error {
	minChunk := kernel.MinChunk
	if minChunk <= 0 {
		minChunk = DefaultMinChunk
	}
	parallelism := pool.MaxParallelism()
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	numChunks := min(parallelism, (globalSize+minChunk-1)/minChunk)
	if numChunks <= 1 {
		return callKernel(kernel, args, 0, globalSize)
	}
	chunkSize := (globalSize + numChunks - 1) / numChunks

	var g errgroup.Group
	g.SetLimit(numChunks - 1)
	var inlineErr error
	for start := 0; start < globalSize; start += chunkSize {
		end := min(start+chunkSize, globalSize)
		chunk := func() error { return callKernel(kernel, args, start, end) }
		if !g.TryGo(chunk) {
			if err := chunk(); err != nil && inlineErr == nil {
				inlineErr = err
			}
		}
	}
	pool.WorkerIsAsleep()
	err := g.Wait()
	pool.WorkerRestarted()
	if inlineErr != nil {
		return inlineErr
	}
	return err
}

// callKernel runs the kernel over [start, end), converting panics to errors.
func callKernel(kernel *Kernel, args Args, start, end int) (err error) {
	exception := exceptions.TryCatch[any](func() {
		err = kernel.Fn(args, start, end)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.Wrapf(results.ExecutionFailed, "kernel panicked on items [%d, %d): %+v", start, end, e)
		}
		return errors.Wrapf(results.ExecutionFailed, "kernel panicked on items [%d, %d): %v", start, end, exception)
	}
	return err
}

// Args are the arguments given to a kernel, in the order of its declared parameters.
//
// The accessors don't validate the kind of the argument: it was already validated against the kernel
// parameters when bound.
type Args []backends.Arg

// Int returns the signed integer argument at index, of up to 64 bits.
func (a Args) Int(index int) int64 {
	v := a[index].Value
	switch len(v) {
	case 1:
		return int64(int8(v[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(v)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(v)))
	default:
		return int64(binary.LittleEndian.Uint64(v))
	}
}

// Uint returns the unsigned integer argument at index, of up to 64 bits.
func (a Args) Uint(index int) uint64 {
	v := a[index].Value
	switch len(v) {
	case 1:
		return uint64(v[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(v))
	case 4:
		return uint64(binary.LittleEndian.Uint32(v))
	default:
		return binary.LittleEndian.Uint64(v)
	}
}

// BigInt returns the integer argument at index of any width (including 128 and 256 bits), signed or not
// according to its parameter kind.
func (a Args) BigInt(index int) *big.Int {
	arg := a[index]
	be := slices.Clone(arg.Value)
	slices.Reverse(be)
	v := new(big.Int).SetBytes(be)
	if arg.Kind == backends.ParamInt && len(be) > 0 && be[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(8*len(be))))
	}
	return v
}

// Float returns the float argument at index (16, 32 or 64 bits) as a float64.
func (a Args) Float(index int) float64 {
	v := a[index].Value
	switch len(v) {
	case 2:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(v)).Float32())
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(v))
	}
}

// Bytes returns the memory of the buffer argument at index.
func (a Args) Bytes(index int) []byte {
	return a[index].Buffer.(*Buffer).data
}

// Float32s returns the memory of the buffer argument at index as a []float32, in the native byte order.
// Trailing bytes that don't fill a float32 are not included.
func (a Args) Float32s(index int) []float32 {
	return viewAs[float32](a.Bytes(index))
}

// Float64s returns the memory of the buffer argument at index as a []float64, in the native byte order.
func (a Args) Float64s(index int) []float64 {
	return viewAs[float64](a.Bytes(index))
}

// Int32s returns the memory of the buffer argument at index as a []int32, in the native byte order.
func (a Args) Int32s(index int) []int32 {
	return viewAs[int32](a.Bytes(index))
}

// viewAs reinterprets data as a []T sharing the same memory. Buffers are allocated by alignedBytes, and data not
// aligned for T panics (reported as results.ExecutionFailed by the kernel launch).
func viewAs[T any](data []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(data) < size {
		return nil
	}
	if uintptr(unsafe.Pointer(&data[0]))%unsafe.Alignof(zero) != 0 {
		exceptions.Panicf("host: buffer memory at %p is not aligned for %T", &data[0], zero)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/size)
}
