// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a pool of goroutines with a soft limit on parallelism, and a FIFO of
// tasks waiting for a free worker.
//
// Enqueue never blocks the caller: tasks beyond the parallelism limit wait in the queue. This is what the
// host backend uses as its executor, where a queued task is a "pending" operation and a task running in a
// worker is a "running" one.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Broadcast whenever numRunning decreases.
	numRunning     int
	queue          []func()

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled, and tasks are run inline.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism+int(w.extraParallelism.Load())
}

// Enqueue task to be run as soon as a worker is available. It returns immediately.
//
// Tasks are started in FIFO order. If parallelism is disabled (maxParallelism is 0), the task is run inline
// before Enqueue returns.
func (w *Pool) Enqueue(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, task)
	w.lockedDispatch()
}

// lockedDispatch starts queued tasks while there are available workers.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedDispatch() {
	for len(w.queue) > 0 && !w.lockedIsFull() {
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.lockedRunTaskInGoroutine(task)
	}
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.lockedDispatch()
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left and no
// tasks are waiting in the queue.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() || len(w.queue) > 0 {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Pending returns the number of tasks waiting for a worker.
func (w *Pool) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Wait until there are no queued or running tasks.
//
// Tasks started with `go` when parallelism is unlimited are not tracked.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 || len(w.queue) > 0 {
		w.cond.Wait()
	}
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, and temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
	w.mu.Lock()
	w.lockedDispatch()
	w.mu.Unlock()
}

// WorkerRestarted indicates the worker (the one that called the method) is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
