// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"encoding/binary"
	"math"
	"math/big"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/results"
)

func TestNew(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), b.Parallelism())
	assert.Equal(t, backends.TypeHost, b.Type())
	assert.Equal(t, BackendName, b.Name())
	b.Finalize()

	b, err = New("parallelism=3")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Parallelism())
	assert.Contains(t, b.Description(), "3 workers")
	b.Finalize()

	b, err = New("parallelism=-1")
	require.NoError(t, err)
	assert.Contains(t, b.Description(), "unlimited")
	b.Finalize()

	for _, config := range []string{"parallelism=0", "parallelism=-2", "parallelism=many", "threads=2"} {
		_, err = New(config)
		require.Errorf(t, err, "config %q should fail", config)
		assert.Equal(t, results.InvalidArgument, results.CodeOf(err))
	}

	assert.Equal(t, "HostBackendFinalized", results.Name(CodeBackendFinalized))
	assert.Equal(t, "HostNativeUnsupported", results.Name(CodeNativeUnsupported))
}

func TestDevice(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	defer b.Finalize()
	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	assert.NotEmpty(t, d.Vendor())
	assert.NotEmpty(t, d.Name())
	assert.Equal(t, runtime.NumCPU(), d.CoreCount())
	assert.GreaterOrEqual(t, d.MaxFrequency(), 0)
	if runtime.GOARCH == "amd64" {
		assert.Contains(t, d.Features(), "sse2")
	}
}

const x86CPUInfo = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model name	: Intel(R) Core(TM) i7-8700K CPU @ 3.70GHz
cpu MHz		: 3699.998
flags		: fpu vme de pse

processor	: 1
vendor_id	: GenuineIntel
model name	: Other
`

const armCPUInfo = `processor	: 0
BogoMIPS	: 243.75
Features	: fp asimd evtstrm aes pmull sha1 sha2 crc32 atomics
CPU implementer	: 0x41
CPU architecture: 8
CPU part	: 0xd0c
`

func TestParseCPUInfo(t *testing.T) {
	info := parseCPUInfo(strings.NewReader(x86CPUInfo))
	assert.Equal(t, "GenuineIntel", info.vendor)
	assert.Equal(t, "Intel(R) Core(TM) i7-8700K CPU @ 3.70GHz", info.model)
	assert.Equal(t, 3700, info.maxFrequency)

	info = parseCPUInfo(strings.NewReader(armCPUInfo))
	assert.Equal(t, "ARM", info.vendor)
	assert.Equal(t, "", info.model)

	assert.Equal(t, 4700, parseKHz("4700000\n"))
	assert.Equal(t, 0, parseKHz("n/a"))
}

func TestLibraryFormat(t *testing.T) {
	for _, tc := range []struct {
		header []byte
		format string
	}{
		{[]byte{0x7f, 'E', 'L', 'F', 2, 1}, "ELF"},
		{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "Mach-O"},
		{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "Mach-O"},
		{[]byte{0xca, 0xfe, 0xba, 0xbe}, "Mach-O universal"},
	} {
		format, ok := libraryFormat(tc.header)
		require.True(t, ok)
		assert.Equal(t, tc.format, format)
	}
	_, ok := libraryFormat([]byte("MZ\x90\x00"))
	assert.False(t, ok)
	_, ok = libraryFormat([]byte{0x7f})
	assert.False(t, ok)
}

func intArg(bits int, signed bool, v uint64) backends.Arg {
	param := backends.Uint(bits)
	if signed {
		param = backends.Int(bits)
	}
	value := binary.LittleEndian.AppendUint64(nil, v)
	if bits <= 64 {
		value = value[:bits/8]
	} else {
		value = append(value, make([]byte, bits/8-8)...)
	}
	return backends.Arg{Param: param, Value: value}
}

func TestMarshalNativeArgs(t *testing.T) {
	buf := &Buffer{data: make([]byte, 16)}
	args := []backends.Arg{
		intArg(32, true, 0xFFFF_FFFF), // -1
		intArg(8, false, 200),
		intArg(64, true, 7),
		{Param: backends.Float(32), Value: binary.LittleEndian.AppendUint32(nil, math.Float32bits(2.5))},
		{Param: backends.Float(64), Value: binary.LittleEndian.AppendUint64(nil, math.Float64bits(-1.25))},
		{Param: backends.BufferParam, Buffer: buf},
	}
	types, values, err := marshalNativeArgs(args)
	require.NoError(t, err)
	assert.Equal(t, "(int32, uint8, int64, float32, float64, unsafe.Pointer)", signatureOf(types))
	assert.Equal(t, int32(-1), values[0].Interface())
	assert.Equal(t, uint8(200), values[1].Interface())
	assert.Equal(t, int64(7), values[2].Interface())
	assert.Equal(t, float32(2.5), values[3].Interface())
	assert.Equal(t, -1.25, values[4].Interface())
	assert.Equal(t, unsafe.Pointer(&buf.data[0]), values[5].Interface())
	assert.Equal(t, reflect.UnsafePointer, values[5].Kind())

	// Types without C ABI equivalent.
	for _, arg := range []backends.Arg{
		intArg(128, true, 1),
		{Param: backends.Float(16), Value: binary.LittleEndian.AppendUint16(nil, float16.Fromfloat32(1).Bits())},
	} {
		_, _, err = marshalNativeArgs([]backends.Arg{arg})
		assert.Equal(t, results.UnsupportedOperation, results.CodeOf(err))
	}
	_, _, err = marshalNativeArgs(make([]backends.Arg, MaxNativeArgs+1))
	assert.Equal(t, results.UnsupportedOperation, results.CodeOf(err))
}

func TestArgs(t *testing.T) {
	args := Args{
		intArg(8, true, 0xFE),
		intArg(16, false, 0xFFFE),
		intArg(128, true, 5),
		{Param: backends.Int(128), Value: []byte{
			0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{Param: backends.Float(16), Value: binary.LittleEndian.AppendUint16(nil, float16.Fromfloat32(0.5).Bits())},
		{Param: backends.BufferParam, Buffer: &Buffer{data: alignedBytes(8)}},
	}
	data := args.Bytes(5)
	binary.LittleEndian.PutUint32(data, math.Float32bits(1))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(2))
	assert.Equal(t, int64(-2), args.Int(0))
	assert.Equal(t, uint64(0xFFFE), args.Uint(1))
	assert.Zero(t, big.NewInt(5).Cmp(args.BigInt(2)))
	assert.Zero(t, big.NewInt(-1).Cmp(args.BigInt(3)))
	assert.Equal(t, 0.5, args.Float(4))
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		assert.Equal(t, []float32{1, 2}, args.Float32s(5))
	}
	assert.Len(t, args.Int32s(5), 2)
	assert.Len(t, args.Float64s(5), 1)
}

func TestAlignedBuffers(t *testing.T) {
	for _, size := range []int{0, 1, 3, 6, 8, 13, 1000} {
		data := alignedBytes(size)
		require.Len(t, data, size)
		if size > 0 {
			assert.Zero(t, uintptr(unsafe.Pointer(&data[0]))%8, "size=%d", size)
		}
	}

	// Misaligned memory is rejected, instead of being reinterpreted.
	misaligned := Args{{Param: backends.BufferParam, Buffer: &Buffer{data: alignedBytes(17)[1:]}}}
	assert.Len(t, misaligned.Bytes(0), 16)
	err := exceptions.TryCatch[error](func() { misaligned.Float32s(0) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not aligned")
	assert.Panics(t, func() { misaligned.Float64s(0) })
}
