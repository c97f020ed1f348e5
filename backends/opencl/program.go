// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opencl

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

// BuildOptions are given to clBuildProgram. Keeping the kernel argument info is needed to introspect the
// kernel parameters.
const BuildOptions = "-cl-kernel-arg-info"

// Program implements backends.Program with an OpenCL program built from source.
type Program struct {
	ctx     *Context
	path    string
	program uintptr
}

var _ backends.Program = (*Program)(nil)

// OpenProgram implements backends.Context: path is an OpenCL C source file, built for the device of the context.
// Build failures are reported as results.ProgramLoadFailed, with the build log in the error message.
func (c *Context) OpenProgram(path string) (backends.Program, error) {
	if err := c.device.backend.checkFinalized(); err != nil {
		return nil, err
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "OpenCL: can't read program source: %v", err)
	}
	if len(source) == 0 {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "OpenCL: program source %q is empty", path)
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&source[0])
	sourcePtr := &source[0]
	length := uintptr(len(source))
	var status int32
	program := clCreateProgramWithSource(c.context, 1, &sourcePtr, &length, &status)
	if err := clError(status, "clCreateProgramWithSource(%q)", path); err != nil {
		return nil, errors.Wrapf(results.ProgramLoadFailed, "%v", err)
	}

	device := c.device.id
	status = clBuildProgram(program, 1, &device, BuildOptions, 0, 0)
	buildLog, logErr := queryString(buildLogQuery(program, device), clProgramBuildLog)
	if logErr != nil {
		klog.V(1).Infof("OpenCL: can't retrieve build log of %q: %v", path, logErr)
	}
	buildLog = strings.TrimSpace(buildLog)
	if status != clSuccess {
		clReleaseProgram(program)
		return nil, errors.Wrapf(results.ProgramLoadFailed, "OpenCL: failed to build %q (%s):\n%s",
			path, results.Name(Code(status)), buildLog)
	}
	if buildLog != "" {
		klog.V(1).Infof("OpenCL: build log of %q:\n%s", path, buildLog)
	}
	return &Program{ctx: c, path: path, program: program}, nil
}

// Symbol implements backends.Program. Unknown kernel names are reported as results.SymbolNotFound.
func (p *Program) Symbol(name string) (backends.Symbol, error) {
	var status int32
	kernel := clCreateKernel(p.program, name, &status)
	if status == clInvalidKernelName {
		return nil, errors.Wrapf(results.SymbolNotFound, "OpenCL: kernel %q not found in %q", name, p.path)
	}
	if err := clError(status, "clCreateKernel(%q)", name); err != nil {
		return nil, err
	}
	s := &Symbol{program: p, name: name, kernel: kernel}
	numArgs, err := queryUint32(func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return clGetKernelInfo(kernel, param, size, value, sizeRet)
	}, clKernelNumArgs)
	if err != nil {
		clReleaseKernel(kernel)
		return nil, err
	}
	s.numArgs = int(numArgs)
	s.params, s.declared = kernelParams(kernel, s.numArgs)
	if !s.declared {
		klog.V(1).Infof("OpenCL: parameters of kernel %q can't be introspected, any contiguous arguments are accepted", name)
	}
	return s, nil
}

// Finalize implements backends.Program.
func (p *Program) Finalize() error {
	return clError(clReleaseProgram(p.program), "clReleaseProgram(%q)", p.path)
}

// kernelParams introspects the kernel parameters. It returns declared=false if the library can't provide the
// information, or if any parameter has a type that can't be bound by the runtime (vectors, structs, local memory).
func kernelParams(kernel uintptr, numArgs int) (params []backends.Param, declared bool) {
	if clGetKernelArgInfo == nil {
		return nil, false
	}
	params = make([]backends.Param, numArgs)
	for ii := range numArgs {
		query := kernelArgQuery(kernel, uint32(ii))
		qualifier, err := queryUint32(query, clKernelArgAddressQualifier)
		if err != nil {
			return nil, false
		}
		typeName, err := queryString(query, clKernelArgTypeName)
		if err != nil {
			return nil, false
		}
		param, ok := parseParam(qualifier, typeName)
		if !ok {
			return nil, false
		}
		params[ii] = param
	}
	return params, true
}

// clScalarTypes maps the OpenCL C scalar type names to the parameter they take.
var clScalarTypes = map[string]backends.Param{
	"char":   backends.Int(8),
	"uchar":  backends.Uint(8),
	"short":  backends.Int(16),
	"ushort": backends.Uint(16),
	"int":    backends.Int(32),
	"uint":   backends.Uint(32),
	"long":   backends.Int(64),
	"ulong":  backends.Uint(64),
	"half":   backends.Float(16),
	"float":  backends.Float(32),
	"double": backends.Float(64),
}

// parseParam converts the address qualifier and type name reported by clGetKernelArgInfo to a parameter.
// Pointers to global or constant memory are buffers.
func parseParam(qualifier uint32, typeName string) (backends.Param, bool) {
	typeName = strings.TrimSpace(strings.TrimRight(typeName, "\x00"))
	switch qualifier {
	case clKernelArgAddressGlobal, clKernelArgAddressConstant:
		return backends.BufferParam, strings.HasSuffix(typeName, "*")
	case clKernelArgAddressLocal:
		// Local memory arguments take a size, not a value.
		return backends.Param{}, false
	case clKernelArgAddressPrivate:
	default:
		return backends.Param{}, false
	}
	if rest, found := strings.CutPrefix(typeName, "unsigned "); found {
		typeName = "u" + rest
	}
	param, found := clScalarTypes[typeName]
	return param, found
}

// Symbol implements backends.Symbol with an OpenCL kernel.
type Symbol struct {
	program  *Program
	name     string
	kernel   uintptr
	params   []backends.Param
	declared bool
	// numArgs is CL_KERNEL_NUM_ARGS, known even when the parameters can't be introspected.
	numArgs int

	// mu serializes setting the arguments and enqueuing the kernel, since kernel arguments are shared state.
	mu sync.Mutex
}

var _ backends.Symbol = (*Symbol)(nil)

// Params implements backends.Symbol.
func (s *Symbol) Params() ([]backends.Param, bool) { return s.params, s.declared }

// Launch implements backends.Symbol: it sets the kernel arguments and enqueues a one-dimensional range of
// globalSize work items.
func (s *Symbol) Launch(args []backends.Arg, globalSize int, done backends.Completion) error {
	if err := s.checkArgCount(args); err != nil {
		return err
	}
	ctx := s.program.ctx
	if err := ctx.device.backend.checkFinalized(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ii, arg := range args {
		if err := s.setArg(ctx, uint32(ii), arg); err != nil {
			return err
		}
	}
	size := uintptr(globalSize)
	var event uintptr
	status := clEnqueueNDRangeKernel(ctx.queue, s.kernel, 1, nil, &size, nil, 0, nil, &event)
	return ctx.submitted(status, event, done, nil, "clEnqueueNDRangeKernel(%q, %d)", s.name, globalSize)
}

// checkArgCount reports the first unbound argument of the kernel. Declared parameters are already checked by the
// caller, but undeclared ones are only known by count.
func (s *Symbol) checkArgCount(args []backends.Arg) error {
	if len(args) < s.numArgs {
		return errors.Wrapf(results.UnboundArgument, "OpenCL kernel %q: argument #%d of %d is not bound",
			s.name, len(args), s.numArgs)
	}
	return nil
}

func (s *Symbol) setArg(ctx *Context, index uint32, arg backends.Arg) error {
	if arg.Kind == backends.ParamBuffer {
		buf, ok := arg.Buffer.(*Buffer)
		if !ok {
			return errors.Wrapf(results.UnsupportedOperation, "OpenCL kernel %q: argument #%d is a %T",
				s.name, index, arg.Buffer)
		}
		if buf.ctx != ctx {
			return errors.Wrapf(results.ContextMismatch, "OpenCL kernel %q: buffer of argument #%d is from another context",
				s.name, index)
		}
		mem := buf.mem
		return clError(clSetKernelArg(s.kernel, index, unsafe.Sizeof(mem), unsafe.Pointer(&mem)),
			"clSetKernelArg(%q, #%d)", s.name, index)
	}
	if arg.Bits > 64 {
		return errors.Wrapf(results.UnsupportedOperation, "OpenCL kernel %q: argument #%d of type %s is wider than 64 bits",
			s.name, index, arg.Param)
	}
	return clError(clSetKernelArg(s.kernel, index, uintptr(len(arg.Value)), unsafe.Pointer(&arg.Value[0])),
		"clSetKernelArg(%q, #%d)", s.name, index)
}

// Finalize implements backends.Symbol.
func (s *Symbol) Finalize() error {
	return clError(clReleaseKernel(s.kernel), "clReleaseKernel(%q)", s.name)
}
