// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package leaks implements the allocation tracker behind the runtime's leak detection.
//
// Every resource created through the runtime is added to a Tracker, and removed when it is deinitialized.
// A Tracker is explicitly owned (one per runtime) and only queried through its methods.
package leaks

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Kind of tracked resource.
type Kind uint8

const (
	Device Kind = iota
	Context
	Buffer
	Event
	Program
	Symbol
	numKinds
)

var kindNames = [numKinds]string{"device", "context", "buffer", "event", "program", "symbol"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

type key struct {
	kind Kind
	id   uint64
}

// Tracker counts live allocations.
// The zero value is ready to use.
type Tracker struct {
	mu    sync.Mutex
	live  map[key]string // Value is the allocation site, if known.
	count [numKinds]int
}

// Add records a new live allocation. site is a free form description of where it was allocated, it can be empty.
// Adding the same kind/id twice is ignored.
func (t *Tracker) Add(kind Kind, id uint64, site string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live == nil {
		t.live = make(map[key]string)
	}
	k := key{kind, id}
	if _, found := t.live[k]; found {
		return
	}
	t.live[k] = site
	t.count[kind]++
}

// Remove a live allocation. It returns false if it was not being tracked.
func (t *Tracker) Remove(kind Kind, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{kind, id}
	if _, found := t.live[k]; !found {
		return false
	}
	delete(t.live, k)
	t.count[kind]--
	return true
}

// Live returns the number of live allocations of the given kind.
func (t *Tracker) Live(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[kind]
}

// Total returns the number of live allocations of all kinds.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// HasLeaks returns whether there are any live allocations.
func (t *Tracker) HasLeaks() bool {
	return t.Total() > 0
}

// Report returns a human-readable listing of the live allocations, one per line, sorted by kind and id.
// It returns an empty string if there are none.
func (t *Tracker) Report() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.live) == 0 {
		return ""
	}
	keys := slices.SortedFunc(maps.Keys(t.live), func(a, b key) int {
		if a.kind != b.kind {
			return int(a.kind) - int(b.kind)
		}
		if a.id < b.id {
			return -1
		} else if a.id > b.id {
			return 1
		}
		return 0
	})
	var sb strings.Builder
	for kind := range numKinds {
		if t.count[kind] > 0 {
			_, _ = fmt.Fprintf(&sb, "%d %s(s) ", t.count[kind], kind)
		}
	}
	sb.WriteString("still alive:\n")
	for _, k := range keys {
		site := t.live[k]
		if site == "" {
			site = "(allocation site not recorded, enable debug mode in the context to record it)"
		}
		_, _ = fmt.Fprintf(&sb, "\t- %s #%d: %s\n", k.kind, k.id, site)
	}
	return sb.String()
}
