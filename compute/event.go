// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/internal/xsync"
	"github.com/gomlx/unicompute/results"
)

// Event tracks the completion of one asynchronous operation: a transfer or a kernel dispatch.
//
// Events are reference counted: they are created with one reference, owned by the caller, which must be
// dropped with Release. Releasing an event before it completes doesn't cancel the operation: the bookkeeping
// is freed once it completes.
type Event struct{ h handle }

// Status of an Event. Transitions are monotonic: pending, running and then complete.
type Status uint32

const (
	// StatusPending means the operation was accepted but not started by the backend executor.
	StatusPending Status = iota
	// StatusRunning means the backend executor started the operation.
	StatusRunning
	// StatusComplete means the operation finished, successfully or not: see Event.Join for the result.
	StatusComplete
)

var statusNames = [...]string{"Pending", "Running", "Complete"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", s)
}

// EventInfo is the kind of information queried with Event.Info.
type EventInfo uint32

const (
	// EventInfoBackend is the backends.Type of the event, 4 bytes.
	EventInfoBackend EventInfo = iota
	// EventInfoStatus is the current Status of the event, 4 bytes.
	EventInfoStatus
)

// CompletionCallback is called once when an event completes, with the result of the operation and the
// userData given to Event.OnComplete.
type CompletionCallback func(err error, userData any)

type eventCallback struct {
	fn       CompletionCallback
	userData any
}

type eventRecord struct {
	rt        *Runtime
	ctx       *contextRecord
	operation string
	slot      uint32
	gen       uint64

	refs      atomic.Int64
	status    atomic.Uint32
	finishing atomic.Bool
	completed atomic.Bool
	result    *xsync.Latch[error]

	// hooks are run when the operation finishes, before the event is marked as complete.
	hooks []func()

	mu        sync.Mutex
	fired     bool
	err       error
	callbacks []eventCallback

	cleanupOnce sync.Once
}

// newEvent creates and registers the event of an operation of ctx, with one reference.
// If the backend fails to accept the operation, the event must be discarded with abort.
func (rt *Runtime) newEvent(ctx *contextRecord, backendType backends.Type, operation, site string,
	hooks ...func()) (*eventRecord, Event, error) {
	if err := ctx.reserve(&ctx.numEvents); err != nil {
		return nil, Event{}, err
	}
	rec := &eventRecord{
		rt:        rt,
		ctx:       ctx,
		operation: operation,
		result:    xsync.NewLatch[error](),
		hooks:     hooks,
	}
	rec.refs.Store(1)
	rec.slot, rec.gen = rt.events.insert(rec)
	rt.tracker.Add(leaks.Event, rec.gen, site)
	ctx.trace("%s: event #%d created", operation, rec.gen)
	return rec, Event{h: handle{rt: rt, backend: backendType, slot: rec.slot, gen: rec.gen}}, nil
}

// abort discards an event whose operation the backend failed to accept: its completion is never called.
func (rec *eventRecord) abort() {
	for _, hook := range rec.hooks {
		hook()
	}
	rec.refs.Store(0)
	rec.cleanup()
}

// completion is the backends.Completion handed to the backend for the operation of the event.
type completion struct {
	rec *eventRecord
}

var _ backends.Completion = completion{}

// Start implements backends.Completion.
func (c completion) Start() {
	rec := c.rec
	if !rec.status.CompareAndSwap(uint32(StatusPending), uint32(StatusRunning)) {
		klog.Warningf("compute: %s: backend started event #%d twice or after completion, ignored",
			rec.operation, rec.gen)
	}
}

// Finish implements backends.Completion.
func (c completion) Finish(err error) {
	rec := c.rec
	if !rec.finishing.CompareAndSwap(false, true) {
		klog.Warningf("compute: %s: backend finished event #%d more than once, ignored (err=%v)",
			rec.operation, rec.gen, err)
		return
	}
	if err != nil && results.CodeOf(err) == results.ExecutionFailed && !errors.Is(err, results.ExecutionFailed) {
		err = errors.Wrapf(results.ExecutionFailed, "%s: %v", rec.operation, err)
	}
	for _, hook := range rec.hooks {
		hook()
	}
	rec.status.Store(uint32(StatusComplete))
	rec.result.Trigger(err)

	rec.mu.Lock()
	rec.fired = true
	rec.err = err
	callbacks := rec.callbacks
	rec.callbacks = nil
	rec.mu.Unlock()
	for _, cb := range callbacks {
		cb.fn(err, cb.userData)
	}
	rec.ctx.trace("%s: event #%d complete (err=%v)", rec.operation, rec.gen, err)

	rec.completed.Store(true)
	if rec.refs.Load() == 0 {
		if err != nil {
			klog.V(1).Infof("compute: %s: released event #%d failed with nobody waiting: %v", rec.operation, rec.gen, err)
		}
		rec.cleanup()
	}
}

// cleanup frees the event bookkeeping. It is called once both the references dropped to zero and the operation
// completed, whichever happens last.
func (rec *eventRecord) cleanup() {
	rec.cleanupOnce.Do(func() {
		rec.rt.events.remove(rec.slot, rec.gen)
		rec.rt.tracker.Remove(leaks.Event, rec.gen)
		rec.ctx.release(&rec.ctx.numEvents)
	})
}

func (e Event) record() (*eventRecord, error) {
	if e.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Event handle")
	}
	rec, found := e.h.rt.events.get(e.h.slot, e.h.gen)
	if !found || rec.refs.Load() <= 0 {
		return nil, errors.Wrapf(results.InvalidEvent, "Event handle #%d was released", e.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the event: it's always the one of the context of the operation.
func (e Event) Backend() backends.Type { return e.h.backend }

// Join blocks until the operation completes, and returns its result: nil on success, or an error carrying
// the results.Code of the failure. It can be called any number of times, from any goroutine.
func (e Event) Join() error {
	rec, err := e.record()
	if err != nil {
		return err
	}
	return rec.result.Wait()
}

// JoinAll joins all the events, and returns the first error found.
func JoinAll(events ...Event) error {
	var firstErr error
	for _, e := range events {
		if err := e.Join(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnComplete registers a callback to be called exactly once when the operation completes, with its result and
// userData.
//
// The callback is called on a backend goroutine and must not block. If the event is already complete, it is
// called immediately on a new goroutine.
func (e Event) OnComplete(cb CompletionCallback, userData any) error {
	if cb == nil {
		return errors.Wrap(results.InvalidArgument, "Event.OnComplete(): nil callback")
	}
	rec, err := e.record()
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.fired {
		err := rec.err
		rec.mu.Unlock()
		go cb(err, userData)
		return nil
	}
	rec.callbacks = append(rec.callbacks, eventCallback{fn: cb, userData: userData})
	rec.mu.Unlock()
	return nil
}

// Status returns the current status of the event.
func (e Event) Status() (Status, error) {
	rec, err := e.record()
	if err != nil {
		return 0, err
	}
	return Status(rec.status.Load()), nil
}

// Info queries information about the event using the two-phase protocol described in InfoRequest.
func (e Event) Info(kind EventInfo, req InfoRequest) (int, error) {
	rec, err := e.record()
	if err != nil {
		return 0, err
	}
	switch kind {
	case EventInfoBackend:
		return answer(req, encodeUint32(uint32(e.h.backend)))
	case EventInfoStatus:
		return answer(req, encodeUint32(rec.status.Load()))
	default:
		return 0, errors.Wrapf(results.InvalidArgument, "unknown EventInfo kind %d", kind)
	}
}

// Retain adds a reference to the event, that must be dropped with its own call to Release.
func (e Event) Retain() error {
	rec, err := e.record()
	if err != nil {
		return err
	}
	for {
		refs := rec.refs.Load()
		if refs <= 0 {
			return errors.Wrapf(results.InvalidEvent, "Event.Retain(): event #%d was released", e.h.gen)
		}
		if rec.refs.CompareAndSwap(refs, refs+1) {
			return nil
		}
	}
}

// Release drops one reference to the event. When the last reference is dropped the handle becomes invalid,
// and the bookkeeping of the event is freed as soon as the operation completes.
//
// Releasing an event that was already fully released fails with results.InvalidEvent.
func (e Event) Release() error {
	rec, err := e.record()
	if err != nil {
		return err
	}
	for {
		refs := rec.refs.Load()
		if refs <= 0 {
			return errors.Wrapf(results.InvalidEvent, "Event.Release(): event #%d was already released", e.h.gen)
		}
		if !rec.refs.CompareAndSwap(refs, refs-1) {
			continue
		}
		if refs > 1 {
			return nil
		}
		break
	}
	if rec.completed.Load() {
		rec.cleanup()
		return nil
	}
	if rec.ctx.config.Debug {
		klog.Warningf("compute: %s: event #%d released while still in flight (status %s), its result will be dropped",
			rec.operation, e.h.gen, Status(rec.status.Load()))
	}
	return nil
}

// String implements fmt.Stringer.
func (e Event) String() string {
	rec, err := e.record()
	if err != nil {
		return "Event(invalid)"
	}
	return fmt.Sprintf("Event(#%d %s: %s)", e.h.gen, rec.operation, Status(rec.status.Load()))
}
