// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the one-shot latch used to publish the results of asynchronous operations.
package xsync

import "sync"

// Latch is a one-shot signal carrying a value.
//
// It is triggered at most once, and from then on every Wait returns the value it was triggered with.
// The zero value is not usable, create it with NewLatch.
type Latch[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewLatch returns an un-triggered latch.
func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Trigger the latch with value. It returns false, and value is discarded, if the latch was already triggered.
func (l *Latch[T]) Trigger(value T) (triggered bool) {
	l.once.Do(func() {
		l.value = value
		close(l.done)
		triggered = true
	})
	return
}

// Wait blocks until the latch is triggered, and returns its value.
func (l *Latch[T]) Wait() T {
	<-l.done
	return l.value
}

// Done returns a channel that is closed when the latch is triggered. Use it to wait in a select.
func (l *Latch[T]) Done() <-chan struct{} {
	return l.done
}

// TryValue returns the value and true if the latch was triggered, or the zero value and false otherwise.
// It never blocks.
func (l *Latch[T]) TryValue() (value T, ok bool) {
	select {
	case <-l.done:
		return l.value, true
	default:
		return
	}
}
