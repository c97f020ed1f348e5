// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Symbol is a kernel entry point of a Program, with ordered argument slots that must be bound before it is
// dispatched. Bindings persist across dispatches, and each Set* call overwrites its slot.
//
// The bindings of a symbol must not be changed concurrently with its dispatch from another goroutine: the
// runtime keeps them consistent, but which binding a dispatch sees is then undefined.
type Symbol struct{ h handle }

// IntBits is the width of an integer argument.
type IntBits int

// Supported integer widths.
const (
	IntBits8   IntBits = 8
	IntBits16  IntBits = 16
	IntBits32  IntBits = 32
	IntBits64  IntBits = 64
	IntBits128 IntBits = 128
	IntBits256 IntBits = 256
)

// Valid returns whether the width is supported.
func (b IntBits) Valid() bool {
	switch b {
	case IntBits8, IntBits16, IntBits32, IntBits64, IntBits128, IntBits256:
		return true
	}
	return false
}

// FloatBits is the width of a float argument.
type FloatBits int

// Supported float widths.
const (
	FloatBits16 FloatBits = 16
	FloatBits32 FloatBits = 32
	FloatBits64 FloatBits = 64
)

// Valid returns whether the width is supported.
func (b FloatBits) Valid() bool {
	return b == FloatBits16 || b == FloatBits32 || b == FloatBits64
}

// MaxUndeclaredArgs is the maximum number of arguments of kernels whose parameters are not declared by
// the backend (e.g. host native libraries).
const MaxUndeclaredArgs = 32

type symbolRecord struct {
	ctx      *contextRecord
	program  *programRecord
	backend  backends.Symbol
	name     string
	params   []backends.Param
	declared bool

	// Protected by ctx.mu.
	finalized bool
	args      []backends.Arg
	bound     []bool
	buffers   []*bufferRecord // Buffer bound to each slot, or nil.
}

// Symbol resolves the kernel entry point called name.
//
// It fails with results.SymbolNotFound if the program has no such kernel.
func (p Program) Symbol(name string) (Symbol, error) {
	prog, err := p.record()
	if err != nil {
		return Symbol{}, err
	}
	ctx := prog.ctx
	ctx.mu.Lock()
	if prog.finalized || ctx.finalized {
		ctx.mu.Unlock()
		return Symbol{}, errors.Wrapf(results.InvalidProgram, "Program.Symbol(%q): program was deinitialized", name)
	}
	prog.numSymbols++
	ctx.numSymbols++
	ctx.mu.Unlock()
	releaseCounts := func() {
		ctx.mu.Lock()
		prog.numSymbols--
		ctx.numSymbols--
		ctx.mu.Unlock()
	}

	backendSymbol, err := prog.backend.Symbol(name)
	if err != nil {
		releaseCounts()
		if results.CodeOf(err) == results.ExecutionFailed {
			return Symbol{}, errors.Wrapf(results.SymbolNotFound, "Program.Symbol(%q) in %q: %v", name, prog.path, err)
		}
		return Symbol{}, errors.WithMessagef(err, "Program.Symbol(%q) in %q", name, prog.path)
	}
	params, declared := backendSymbol.Params()
	numSlots := MaxUndeclaredArgs
	if declared {
		numSlots = len(params)
	}
	rec := &symbolRecord{
		ctx:      ctx,
		program:  prog,
		backend:  backendSymbol,
		name:     name,
		params:   params,
		declared: declared,
		args:     make([]backends.Arg, numSlots),
		bound:    make([]bool, numSlots),
		buffers:  make([]*bufferRecord, numSlots),
	}
	rt := p.h.rt
	slot, gen := rt.symbols.insert(rec)
	rt.tracker.Add(leaks.Symbol, gen, ctx.site(1))
	ctx.trace("symbol #%d %q resolved with params %v (declared=%v)", gen, name, params, declared)
	return Symbol{h: handle{rt: rt, backend: p.h.backend, slot: slot, gen: gen}}, nil
}

func (s Symbol) record() (*symbolRecord, error) {
	if s.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Symbol handle")
	}
	rec, found := s.h.rt.symbols.get(s.h.slot, s.h.gen)
	if !found {
		return nil, errors.Wrapf(results.InvalidSymbol, "Symbol handle #%d was deinitialized", s.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the symbol.
func (s Symbol) Backend() backends.Type { return s.h.backend }

// Params returns the parameters declared by the kernel. If the backend can't introspect the kernel,
// declared is false and params is empty.
func (s Symbol) Params() (params []backends.Param, declared bool, err error) {
	rec, err := s.record()
	if err != nil {
		return nil, false, err
	}
	return rec.params, rec.declared, nil
}

// checkSlot validates that index can take a value of param. It must be called with ctx.mu locked.
func (rec *symbolRecord) checkSlot(method string, index int, param backends.Param) error {
	if rec.finalized {
		return errors.Wrapf(results.InvalidSymbol, "%s: symbol %q was deinitialized", method, rec.name)
	}
	if index < 0 || index >= len(rec.args) {
		if rec.declared {
			return errors.Wrapf(results.InvalidArgument, "%s: index %d out of range, kernel %q has %d parameter(s)",
				method, index, rec.name, len(rec.params))
		}
		return errors.Wrapf(results.InvalidArgument, "%s: index %d out of range, kernels with undeclared "+
			"parameters take at most %d arguments", method, index, MaxUndeclaredArgs)
	}
	if rec.declared && rec.params[index] != param {
		if rec.params[index].Kind == backends.ParamBuffer && param.Kind == backends.ParamBuffer {
			return nil
		}
		return errors.Wrapf(results.InvalidArgument, "%s: kernel %q parameter #%d is %s, can't bind a %s",
			method, rec.name, index, rec.params[index], param)
	}
	return nil
}

// bind the argument to the slot index, replacing the previous binding. It must be called with ctx.mu locked.
func (rec *symbolRecord) bind(index int, arg backends.Arg, buf *bufferRecord) {
	if previous := rec.buffers[index]; previous != nil {
		previous.bindings--
	}
	rec.args[index] = arg
	rec.bound[index] = true
	rec.buffers[index] = buf
	if buf != nil {
		buf.bindings++
	}
}

func (s Symbol) setScalar(method string, index int, param backends.Param, value []byte) error {
	rec, err := s.record()
	if err != nil {
		return err
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := rec.checkSlot(method, index, param); err != nil {
		return err
	}
	rec.bind(index, backends.Arg{Param: param, Value: value}, nil)
	return nil
}

// SetInteger binds the integer argument at index. value holds the bits/8 bytes of the integer in
// little-endian order, and signed tells whether it is to be interpreted as a signed integer.
//
// It fails with results.InvalidArgument for an unsupported width, a value of the wrong length, an index out of
// range, or a kernel parameter of a different type.
func (s Symbol) SetInteger(index int, signed bool, bits IntBits, value []byte) error {
	method := fmt.Sprintf("Symbol.SetInteger(%d)", index)
	if !bits.Valid() {
		return errors.Wrapf(results.InvalidArgument, "%s: unsupported integer width %d", method, bits)
	}
	if len(value) != int(bits)/8 {
		return errors.Wrapf(results.InvalidArgument, "%s: %d-bit integer requires %d bytes, got %d",
			method, bits, bits/8, len(value))
	}
	param := backends.Uint(int(bits))
	if signed {
		param = backends.Int(int(bits))
	}
	return s.setScalar(method, index, param, append([]byte(nil), value...))
}

// SetInt64 binds a signed 64-bit integer argument at index.
func (s Symbol) SetInt64(index int, value int64) error {
	return s.SetInteger(index, true, IntBits64, binary.LittleEndian.AppendUint64(nil, uint64(value)))
}

// SetUint64 binds an unsigned 64-bit integer argument at index.
func (s Symbol) SetUint64(index int, value uint64) error {
	return s.SetInteger(index, false, IntBits64, binary.LittleEndian.AppendUint64(nil, value))
}

// SetFloat binds the float argument at index, converted to the given width (float16 values are rounded to
// the nearest representable value).
//
// It fails with results.InvalidArgument for an unsupported width, an index out of range or a kernel parameter
// of a different type.
func (s Symbol) SetFloat(index int, bits FloatBits, value float64) error {
	method := fmt.Sprintf("Symbol.SetFloat(%d)", index)
	var encoded []byte
	switch bits {
	case FloatBits16:
		encoded = binary.LittleEndian.AppendUint16(nil, float16.Fromfloat32(float32(value)).Bits())
	case FloatBits32:
		encoded = binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(value)))
	case FloatBits64:
		encoded = binary.LittleEndian.AppendUint64(nil, math.Float64bits(value))
	default:
		return errors.Wrapf(results.InvalidArgument, "%s: unsupported float width %d", method, bits)
	}
	return s.setScalar(method, index, backends.Float(int(bits)), encoded)
}

// SetBuffer binds the buffer argument at index. The buffer can't be deinitialized while it is bound.
//
// It fails with results.ContextMismatch if the buffer belongs to another context.
func (s Symbol) SetBuffer(index int, buffer Buffer) error {
	method := fmt.Sprintf("Symbol.SetBuffer(%d)", index)
	rec, err := s.record()
	if err != nil {
		return err
	}
	bufRec, err := buffer.record()
	if err != nil {
		return errors.WithMessage(err, method)
	}
	if bufRec.ctx != rec.ctx {
		return errors.Wrapf(results.ContextMismatch, "%s: buffer #%d belongs to another context", method, buffer.h.gen)
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if bufRec.finalized {
		return errors.Wrapf(results.InvalidBuffer, "%s: buffer #%d was deinitialized", method, buffer.h.gen)
	}
	if err := rec.checkSlot(method, index, backends.BufferParam); err != nil {
		return err
	}
	rec.bind(index, backends.Arg{Param: backends.BufferParam, Buffer: bufRec.backend}, bufRec)
	return nil
}

// boundArgs returns a copy of the bound arguments, and the buffers they reference.
// It must be called with ctx.mu locked.
func (rec *symbolRecord) boundArgs() ([]backends.Arg, []*bufferRecord, error) {
	numArgs := len(rec.args)
	if !rec.declared {
		numArgs = 0
		for numArgs < len(rec.bound) && rec.bound[numArgs] {
			numArgs++
		}
		for ii := numArgs; ii < len(rec.bound); ii++ {
			if rec.bound[ii] {
				return nil, nil, errors.Wrapf(results.UnboundArgument, "kernel %q: argument #%d is bound but "+
					"argument #%d is not, arguments must be bound contiguously from 0", rec.name, ii, numArgs)
			}
		}
	} else {
		var missing []string
		for ii := range numArgs {
			if !rec.bound[ii] {
				missing = append(missing, fmt.Sprintf("#%d (%s)", ii, rec.params[ii]))
			}
		}
		if len(missing) > 0 {
			return nil, nil, errors.Wrapf(results.UnboundArgument, "kernel %q: unbound argument(s) %s",
				rec.name, strings.Join(missing, ", "))
		}
	}
	args := make([]backends.Arg, numArgs)
	copy(args, rec.args[:numArgs])
	var buffers []*bufferRecord
	for _, buf := range rec.buffers[:numArgs] {
		if buf != nil {
			buffers = append(buffers, buf)
		}
	}
	return args, buffers, nil
}

// Dispatch enqueues the execution of the kernel over globalSize work items, with the currently bound
// arguments. Buffers bound to it are busy (can't be deinitialized) until the returned Event completes.
//
// It fails with results.InvalidSize if globalSize < 1, and with results.UnboundArgument if a declared
// parameter is not bound (or, for kernels with undeclared parameters, if the bound arguments are not
// contiguous).
func (s Symbol) Dispatch(globalSize int) (Event, error) {
	rec, err := s.record()
	if err != nil {
		return Event{}, err
	}
	if globalSize < 1 {
		return Event{}, errors.Wrapf(results.InvalidSize, "Symbol.Dispatch(%d): global size must be >= 1", globalSize)
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	if rec.finalized {
		ctx.mu.Unlock()
		return Event{}, errors.Wrapf(results.InvalidSymbol, "Symbol.Dispatch(): symbol %q was deinitialized", rec.name)
	}
	args, buffers, err := rec.boundArgs()
	ctx.mu.Unlock()
	if err != nil {
		return Event{}, errors.WithMessage(err, "Symbol.Dispatch()")
	}

	operation := fmt.Sprintf("dispatch(%q, globalSize=%d)", rec.name, globalSize)
	releaseBuffers, err := acquire(buffers...)
	if err != nil {
		return Event{}, errors.WithMessage(err, operation)
	}
	evRec, ev, err := s.h.rt.newEvent(ctx, s.h.backend, operation, ctx.site(1), releaseBuffers)
	if err != nil {
		releaseBuffers()
		return Event{}, err
	}
	if err := rec.backend.Launch(args, globalSize, completion{evRec}); err != nil {
		evRec.abort()
		return Event{}, errors.WithMessagef(err, "failed to launch %s", operation)
	}
	return ev, nil
}

// Deinit releases the symbol and its argument bindings.
func (s Symbol) Deinit() error {
	rec, err := s.record()
	if err != nil {
		return err
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	if rec.finalized {
		ctx.mu.Unlock()
		return errors.Wrapf(results.InvalidSymbol, "Symbol.Deinit(): symbol #%d already deinitialized", s.h.gen)
	}
	rec.finalized = true
	for ii, buf := range rec.buffers {
		if buf != nil {
			buf.bindings--
			rec.buffers[ii] = nil
		}
	}
	rec.args = nil
	rec.program.numSymbols--
	ctx.numSymbols--
	ctx.mu.Unlock()

	rt := s.h.rt
	rt.symbols.remove(s.h.slot, s.h.gen)
	rt.tracker.Remove(leaks.Symbol, s.h.gen)
	ctx.trace("symbol #%d %q deinitialized", s.h.gen, rec.name)
	if err := rec.backend.Finalize(); err != nil {
		return errors.WithMessagef(err, "Symbol.Deinit(): backend failed to release %q", rec.name)
	}
	return nil
}

// String implements fmt.Stringer.
func (s Symbol) String() string {
	rec, err := s.record()
	if err != nil {
		return "Symbol(invalid)"
	}
	return fmt.Sprintf("Symbol(#%d %q)", s.h.gen, rec.name)
}
