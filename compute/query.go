// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/results"
)

// InfoRequest is the request given to the Info methods of the handles: it is either a QueryLength or a QueryValue.
//
// Every info kind, fixed or variable length, follows the same two-phase protocol: a QueryLength returns the
// number of bytes of the value, and a QueryValue with a destination of (at least) that length returns the value.
type InfoRequest interface {
	infoRequest()
}

// QueryLength requests the length in bytes of an info value.
type QueryLength struct{}

// QueryValue requests an info value to be written to Dst.
// If Dst is shorter than the value, nothing is written and results.InsufficientCapacity is returned.
type QueryValue struct {
	Dst []byte
}

func (QueryLength) infoRequest() {}
func (QueryValue) infoRequest()  {}

// answer the request with the given encoded value. It returns the length of the value.
func answer(req InfoRequest, value []byte) (int, error) {
	switch r := req.(type) {
	case QueryLength:
		return len(value), nil
	case *QueryLength:
		return len(value), nil
	case QueryValue:
		return writeValue(r.Dst, value)
	case *QueryValue:
		if r == nil {
			return 0, errors.Wrap(results.InvalidArgument, "nil *QueryValue")
		}
		return writeValue(r.Dst, value)
	default:
		return 0, errors.Wrapf(results.InvalidArgument, "invalid info request %T", req)
	}
}

func writeValue(dst, value []byte) (int, error) {
	if len(dst) < len(value) {
		return 0, errors.Wrapf(results.InsufficientCapacity, "info value requires %d bytes, destination has %d",
			len(value), len(dst))
	}
	return copy(dst, value), nil
}

func encodeUint32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func encodeUint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// queryString implements the two calls of the protocol for variable length values.
func queryString(info func(req InfoRequest) (int, error)) (string, error) {
	n, err := info(QueryLength{})
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	n, err = info(QueryValue{Dst: buf})
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// queryUint64 fetches a fixed length value with a pre-known length.
func queryUint64(info func(req InfoRequest) (int, error)) (uint64, error) {
	var buf [8]byte
	if _, err := info(QueryValue{Dst: buf[:]}); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func queryUint32(info func(req InfoRequest) (int, error)) (uint32, error) {
	var buf [4]byte
	if _, err := info(QueryValue{Dst: buf[:]}); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
