// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/gomlx/unicompute/backends"
)

// handle is the representation shared by every handle kind (Device, Context, Buffer, Event, Program and Symbol).
//
// It identifies a slot in one of the runtime arenas. The generation distinguishes the current occupant of a slot
// from previous ones, so stale handles are detected instead of aliasing a newer resource. The zero value is
// an uninitialized handle.
type handle struct {
	rt      *Runtime
	backend backends.Type
	slot    uint32
	gen     uint64
}

// HandleSize and HandleAlign are the size and alignment, in bytes, of every handle type, for every backend.
const (
	HandleSize  = unsafe.Sizeof(handle{})
	HandleAlign = unsafe.Alignof(handle{})
)

// EncodedHandleSize is the number of bytes of a handle encoded in an info query: backend tag (4 bytes),
// slot (4 bytes) and generation (8 bytes), little-endian. The runtime itself is implicit.
const EncodedHandleSize = 16

func (h handle) isZero() bool { return h.rt == nil || h.gen == 0 }

func (h handle) encode() []byte {
	b := make([]byte, EncodedHandleSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.backend))
	binary.LittleEndian.PutUint32(b[4:8], h.slot)
	binary.LittleEndian.PutUint64(b[8:16], h.gen)
	return b
}

func decodeHandle(rt *Runtime, b []byte) handle {
	if len(b) < EncodedHandleSize {
		return handle{}
	}
	return handle{
		rt:      rt,
		backend: backends.Type(binary.LittleEndian.Uint32(b[0:4])),
		slot:    binary.LittleEndian.Uint32(b[4:8]),
		gen:     binary.LittleEndian.Uint64(b[8:16]),
	}
}

// arena holds the records of one kind of resource, addressed by slot and generation.
type arena[T any] struct {
	mu      sync.Mutex
	slots   []arenaSlot[T]
	free    []uint32
	lastGen uint64
	numLive int
}

type arenaSlot[T any] struct {
	gen   uint64
	value *T
}

// insert value and return its slot and generation. Generations start at 1 and are never reused.
func (a *arena[T]) insert(value *T) (slot uint32, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastGen++
	gen = a.lastGen
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		slot = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot[T]{})
	}
	a.slots[slot] = arenaSlot[T]{gen: gen, value: value}
	a.numLive++
	return
}

// get the value at slot, if it still holds the given generation.
func (a *arena[T]) get(slot uint32, gen uint64) (*T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(slot) >= len(a.slots) || a.slots[slot].gen != gen || a.slots[slot].value == nil {
		return nil, false
	}
	return a.slots[slot].value, true
}

// remove the value at slot, if it still holds the given generation.
func (a *arena[T]) remove(slot uint32, gen uint64) (*T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(slot) >= len(a.slots) || a.slots[slot].gen != gen || a.slots[slot].value == nil {
		return nil, false
	}
	value := a.slots[slot].value
	a.slots[slot] = arenaSlot[T]{}
	a.free = append(a.free, slot)
	a.numLive--
	return value, true
}

// live returns the number of values in the arena.
func (a *arena[T]) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numLive
}
