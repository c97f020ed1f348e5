// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// MaxNativeArgs is the maximum number of arguments of a native kernel.
const MaxNativeArgs = 15

// libraryFormat returns the name of the shared library format given the first bytes of the file, or false
// if it is not a recognized format.
func libraryFormat(header []byte) (string, bool) {
	if len(header) < 4 {
		return "", false
	}
	if bytes.Equal(header[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return "ELF", true
	}
	switch binary.BigEndian.Uint32(header[:4]) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe:
		return "Mach-O", true
	case 0xcafebabe:
		return "Mach-O universal", true
	}
	return "", false
}

// nativeProgram is a shared library loaded with dlopen.
type nativeProgram struct {
	ctx    *Context
	path   string
	format string
	lib    uintptr
}

func openNative(c *Context, path string) (backends.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "host: %q is not a registered module, and can't be "+
			"opened as a shared library: %v", path, err)
	}
	header := make([]byte, 4)
	_, err = io.ReadFull(f, header)
	_ = f.Close()
	if err != nil {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "host: failed to read %q: %v", path, err)
	}
	format, ok := libraryFormat(header)
	if !ok {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "host: %q is not an ELF or Mach-O shared library", path)
	}
	lib, err := dlopen(path)
	if err != nil {
		if results.CodeOf(err) == CodeNativeUnsupported {
			return nil, err
		}
		return nil, errors.Wrapf(results.ProgramLoadFailed, "host: failed to load %s library %q: %v", format, path, err)
	}
	klog.V(1).Infof("host: loaded %s library %q", format, path)
	return &nativeProgram{ctx: c, path: path, format: format, lib: lib}, nil
}

func (p *nativeProgram) Symbol(name string) (backends.Symbol, error) {
	fn, err := dlsym(p.lib, name)
	if err != nil || fn == 0 {
		return nil, errors.Wrapf(results.SymbolNotFound, "host: symbol %q not found in %q: %v", name, p.path, err)
	}
	return &nativeSymbol{program: p, name: name, fn: fn, funcs: make(map[string]reflect.Value)}, nil
}

func (p *nativeProgram) Finalize() error {
	if err := dlclose(p.lib); err != nil {
		return errors.Wrapf(results.ExecutionFailed, "host: failed to unload %q: %v", p.path, err)
	}
	return nil
}

// nativeSymbol is a C function of a shared library. Its parameters are not known, so it is called with the
// bound arguments converted to the equivalent C types, and its return value is ignored.
type nativeSymbol struct {
	program *nativeProgram
	name    string
	fn      uintptr

	mu    sync.Mutex
	funcs map[string]reflect.Value // Go functions bound to fn, per signature.
}

func (s *nativeSymbol) Params() ([]backends.Param, bool) { return nil, false }

// Launch calls the C function once with the arguments. globalSize is not passed to the function: kernels
// that need it take it as an explicit argument.
func (s *nativeSymbol) Launch(args []backends.Arg, _ int, done backends.Completion) error {
	types, values, err := marshalNativeArgs(args)
	if err != nil {
		return err
	}
	fn, err := s.boundFunc(types)
	if err != nil {
		return err
	}
	return s.program.ctx.backend.submit(done, func() error {
		exception := exceptions.TryCatch[any](func() { fn.Call(values) })
		if exception != nil {
			return errors.Wrapf(results.ExecutionFailed, "host: native kernel %q failed: %v", s.name, exception)
		}
		return nil
	})
}

// boundFunc returns a Go function value that calls the C function with the given parameter types.
func (s *nativeSymbol) boundFunc(types []reflect.Type) (reflect.Value, error) {
	signature := signatureOf(types)
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, found := s.funcs[signature]; found {
		return fn, nil
	}
	fn, err := bindFunc(s.fn, reflect.FuncOf(types, nil, false))
	if err != nil {
		return reflect.Value{}, err
	}
	s.funcs[signature] = fn
	return fn, nil
}

func (s *nativeSymbol) Finalize() error { return nil }

func signatureOf(types []reflect.Type) string {
	names := make([]string, len(types))
	for ii, t := range types {
		names[ii] = t.String()
	}
	return "(" + strings.Join(names, ", ") + ")"
}

var unsafePointerType = reflect.TypeOf(unsafe.Pointer(nil))

// marshalNativeArgs converts the arguments to the Go values passed to the C function: integers of up to
// 64 bits, float32, float64 and pointers to the buffers memory.
//
// 128 and 256 bits integers and float16 have no C ABI equivalent, and fail with results.UnsupportedOperation.
func marshalNativeArgs(args []backends.Arg) ([]reflect.Type, []reflect.Value, error) {
	if len(args) > MaxNativeArgs {
		return nil, nil, errors.Wrapf(results.UnsupportedOperation, "host: native kernels take at most %d "+
			"arguments, got %d", MaxNativeArgs, len(args))
	}
	types := make([]reflect.Type, len(args))
	values := make([]reflect.Value, len(args))
	for ii, arg := range args {
		var value any
		switch arg.Kind {
		case backends.ParamInt, backends.ParamUint:
			value = nativeInteger(arg)
		case backends.ParamFloat:
			switch arg.Bits {
			case 32:
				value = math.Float32frombits(binary.LittleEndian.Uint32(arg.Value))
			case 64:
				value = math.Float64frombits(binary.LittleEndian.Uint64(arg.Value))
			}
		case backends.ParamBuffer:
			buf, ok := arg.Buffer.(*Buffer)
			if !ok {
				return nil, nil, errors.Wrapf(results.InvalidArgument, "host: argument #%d is a %T, not a host buffer",
					ii, arg.Buffer)
			}
			values[ii] = reflect.ValueOf(unsafe.Pointer(unsafe.SliceData(buf.data)))
			types[ii] = unsafePointerType
			continue
		}
		if value == nil {
			return nil, nil, errors.Wrapf(results.UnsupportedOperation, "host: argument #%d of type %s can't be "+
				"passed to a native kernel", ii, arg.Param)
		}
		values[ii] = reflect.ValueOf(value)
		types[ii] = values[ii].Type()
	}
	return types, values, nil
}

// nativeInteger converts an integer argument of up to 64 bits to the Go value of the same type, or nil.
func nativeInteger(arg backends.Arg) any {
	v := arg.Value
	signed := arg.Kind == backends.ParamInt
	switch arg.Bits {
	case 8:
		if signed {
			return int8(v[0])
		}
		return v[0]
	case 16:
		u := binary.LittleEndian.Uint16(v)
		if signed {
			return int16(u)
		}
		return u
	case 32:
		u := binary.LittleEndian.Uint32(v)
		if signed {
			return int32(u)
		}
		return u
	case 64:
		u := binary.LittleEndian.Uint64(v)
		if signed {
			return int64(u)
		}
		return u
	}
	return nil
}

// String implements fmt.Stringer.
func (p *nativeProgram) String() string {
	return fmt.Sprintf("%s library %q", p.format, p.path)
}
