// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package results

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	assert.Equal(t, "Success", Name(Success))
	assert.Equal(t, "OutOfBounds", Name(OutOfBounds))
	assert.Equal(t, "UnboundArgument", Name(UnboundArgument))
	assert.Equal(t, UnknownName, Name(Code(-999)))
	assert.Equal(t, "Unknown(-999)", Code(-999).String())
	assert.True(t, HasName(ResourceBusy, "ResourceBusy"))
	assert.False(t, HasName(ResourceBusy, "resourcebusy"))
	assert.False(t, HasName(Code(-999), UnknownName))
}

func TestRegister(t *testing.T) {
	code := HostRangeEnd
	require.NoError(t, Register(code, "TestOnlyCode"))
	require.NoError(t, Register(code, "TestOnlyCode"))
	require.Error(t, Register(code, "OtherName"))
	require.Error(t, Register(OutOfBounds, "Mine"))
	require.Error(t, Register(Code(3), "Positive"))
	require.Error(t, Register(HostRangeStart-1, ""))
	assert.Equal(t, "TestOnlyCode", Name(code))
	assert.True(t, HasName(code, "TestOnlyCode"))
	assert.Panics(t, func() { MustRegister(code, "YetAnother") })
	err := exceptions.TryCatch[error](func() { MustRegister(Success, "NotAnError") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotAnError")
}

func TestAll(t *testing.T) {
	codes, names := All()
	require.Equal(t, len(codes), len(names))
	require.NotEmpty(t, codes)
	assert.Equal(t, Success, codes[0])
	for ii := range codes {
		assert.Equal(t, Name(codes[ii]), names[ii])
		if ii > 0 {
			assert.Less(t, codes[ii], codes[ii-1])
		}
	}
	assert.Contains(t, names, "ContextMismatch")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	err := errors.Wrapf(OutOfBounds, "write of %d bytes at offset %d", 8, 16)
	assert.Equal(t, OutOfBounds, CodeOf(err))
	assert.True(t, errors.Is(err, OutOfBounds))
	assert.True(t, Is(err, OutOfBounds))
	err = fmt.Errorf("outer: %w", errors.WithMessage(err, "middle"))
	assert.Equal(t, OutOfBounds, CodeOf(err))
	assert.Equal(t, ExecutionFailed, CodeOf(errors.New("foreign")))
	assert.Contains(t, err.Error(), "OutOfBounds")
}
