// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// Type is the tag of a backend, stored in every handle so that operations are routed to the right backend.
type Type uint32

//go:generate go tool enumer -type=Type -trimprefix=Type -output=gen_type_enumer.go types.go

const (
	TypeHost Type = iota
	TypeOpenCL
)

// ParamKind is the kind of value a kernel parameter takes.
type ParamKind uint8

const (
	ParamInvalid ParamKind = iota
	ParamInt
	ParamUint
	ParamFloat
	ParamBuffer
)

var paramKindNames = [...]string{"invalid", "int", "uint", "float", "buffer"}

// String implements fmt.Stringer.
func (k ParamKind) String() string {
	if int(k) < len(paramKindNames) {
		return paramKindNames[k]
	}
	return fmt.Sprintf("ParamKind(%d)", k)
}

// Param describes one kernel parameter.
// Bits is the width of scalars (e.g. 32 for an int32), and it is ignored for buffers.
type Param struct {
	Kind ParamKind
	Bits int
}

// String implements fmt.Stringer. E.g.: "int32", "float16", "buffer".
func (p Param) String() string {
	if p.Kind == ParamBuffer || p.Kind == ParamInvalid {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s%d", p.Kind, p.Bits)
}

// Size in bytes of a scalar parameter, or 0 for buffers.
func (p Param) Size() int {
	if p.Kind == ParamBuffer {
		return 0
	}
	return p.Bits / 8
}

// Int, Uint, Float and BufferParam are shortcuts to create Param values.
func Int(bits int) Param   { return Param{Kind: ParamInt, Bits: bits} }
func Uint(bits int) Param  { return Param{Kind: ParamUint, Bits: bits} }
func Float(bits int) Param { return Param{Kind: ParamFloat, Bits: bits} }

// BufferParam is a parameter that takes a buffer.
var BufferParam = Param{Kind: ParamBuffer}

// Arg is a bound kernel argument.
//
// For scalars, Value holds Param.Size() bytes in little-endian order. Floats are stored in the
// IEEE-754 representation of the given width (float16 included).
// For buffers, Buffer is the backend buffer, of the same context as the symbol.
type Arg struct {
	Param
	Value  []byte
	Buffer Buffer
}
