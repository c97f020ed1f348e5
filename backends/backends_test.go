// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/unicompute/results"
)

type nopBackend struct {
	backendType Type
	config      string
}

func (b *nopBackend) Type() Type                 { return b.backendType }
func (b *nopBackend) Name() string               { return "nop" }
func (b *nopBackend) Description() string        { return "no-op backend: " + b.config }
func (b *nopBackend) Devices() ([]Device, error) { return nil, nil }
func (b *nopBackend) Finalize()                  {}

func registerNop(name string, backendType Type) {
	Register(name, backendType, func(config string) (Backend, error) {
		return &nopBackend{backendType: backendType, config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	registerNop("nop-b", Type(201))
	registerNop("nop-a", Type(200))
	names := List()
	idxA, idxB := -1, -1
	for ii, name := range names {
		switch name {
		case "nop-a":
			idxA = ii
		case "nop-b":
			idxB = ii
		}
	}
	require.NotEqual(t, -1, idxA)
	require.NotEqual(t, -1, idxB)
	assert.Less(t, idxA, idxB, "registrations must be sorted by type")

	backendType, found := TypeOf("nop-a")
	require.True(t, found)
	assert.Equal(t, Type(200), backendType)

	b, err := New("nop-a", "x=1")
	require.NoError(t, err)
	assert.Equal(t, "no-op backend: x=1", b.Description())

	_, err = New("does-not-exist", "")
	require.Error(t, err)
	assert.Equal(t, results.BackendNotFound, results.CodeOf(err))
	assert.Panics(t, func() { MustNew("does-not-exist", "") })
}

func TestParseConfig(t *testing.T) {
	registerNop("nop-c", Type(202))
	specs, err := ParseConfig(" nop-c:parallelism=4,debug ; nop-c ")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, Spec{Name: "nop-c", Config: "parallelism=4,debug"}, specs[0])
	assert.Equal(t, Spec{Name: "nop-c"}, specs[1])

	specs, err = ParseConfig("")
	require.NoError(t, err)
	assert.Len(t, specs, len(List()))

	_, err = ParseConfig("nop-c;cuda")
	assert.Equal(t, results.BackendNotFound, results.CodeOf(err))
}

func TestParseOptions(t *testing.T) {
	options, err := ParseOptions("parallelism=4, type = gpu ,debug")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"parallelism": "4", "type": "gpu", "debug": "true"}, options)

	v, err := IntOption(options, "parallelism", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	v, err = IntOption(options, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = IntOption(options, "type", 0)
	assert.Equal(t, results.InvalidArgument, results.CodeOf(err))

	_, err = ParseOptions("=3")
	assert.Equal(t, results.InvalidArgument, results.CodeOf(err))
}

func TestTypeAndParams(t *testing.T) {
	assert.Equal(t, "Host", TypeHost.String())
	assert.Equal(t, "OpenCL", TypeOpenCL.String())
	backendType, err := TypeString("opencl")
	require.NoError(t, err)
	assert.Equal(t, TypeOpenCL, backendType)
	assert.Equal(t, "Type(7)", Type(7).String())

	assert.Equal(t, "int32", Int(32).String())
	assert.Equal(t, "float16", Float(16).String())
	assert.Equal(t, "buffer", BufferParam.String())
	assert.Equal(t, 16, Uint(128).Size())
	assert.Equal(t, 0, BufferParam.Size())
}
