// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Context is an execution scope bound to one Device. It owns all the Buffers, Programs, Symbols and Events
// created from it.
type Context struct{ h handle }

// ContextConfig is the configuration of a Context.
type ContextConfig struct {
	// Debug enables extra runtime checks at a performance cost: tracing of every operation with klog.V(1),
	// recording of allocation sites for Runtime.LeakReport, and backend specific checks (the host backend
	// poisons new and freed memory).
	Debug bool
}

// ContextInfo is the kind of information queried with Context.Info.
type ContextInfo uint32

const (
	// ContextInfoBackend is the backends.Type of the context, 4 bytes.
	ContextInfoBackend ContextInfo = iota
	// ContextInfoDevice is the Device used to create the context, encoded in EncodedHandleSize bytes.
	// See also Context.Device.
	ContextInfoDevice
	// ContextInfoSessionID is a unique identifier string (a UUID) of the context, used in logs.
	ContextInfoSessionID
)

type contextRecord struct {
	device    Device
	deviceRec *deviceRecord
	backend   backends.Context
	config    ContextConfig
	sessionID string

	// mu protects the fields below, and the bindings of the symbols of the context.
	mu                                              sync.Mutex
	finalized                                       bool
	numBuffers, numPrograms, numSymbols, numEvents int
}

// CreateContext allocates the backend execution state for a new context bound to the device.
//
// It fails with results.DeviceUnavailable or a backend specific code if the backend can't establish a session.
func (d Device) CreateContext(config ContextConfig) (Context, error) {
	devRec, err := d.record()
	if err != nil {
		return Context{}, err
	}
	rt := d.h.rt
	if err := rt.rlockAlive(); err != nil {
		return Context{}, err
	}
	defer rt.muFinalize.RUnlock()
	backendCtx, err := devRec.device.NewContext(backends.ContextConfig{Debug: config.Debug})
	if err != nil {
		if results.CodeOf(err) == results.ExecutionFailed {
			err = errors.Wrapf(results.DeviceUnavailable, "failed to create context on %s: %v", d, err)
		}
		return Context{}, err
	}
	rec := &contextRecord{
		device:    d,
		deviceRec: devRec,
		backend:   backendCtx,
		config:    config,
		sessionID: uuid.NewString(),
	}
	devRec.contexts.Add(1)
	slot, gen := rt.contexts.insert(rec)
	site := ""
	if config.Debug {
		site = callSite(1)
		klog.V(1).Infof("compute: context %s created on %s (debug mode) at %s", rec.sessionID, d, site)
	}
	rt.tracker.Add(leaks.Context, gen, site)
	return Context{h: handle{rt: rt, backend: d.h.backend, slot: slot, gen: gen}}, nil
}

func (c Context) record() (*contextRecord, error) {
	if c.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Context handle")
	}
	rec, found := c.h.rt.contexts.get(c.h.slot, c.h.gen)
	if !found {
		return nil, errors.Wrapf(results.InvalidContext, "Context handle #%d was deinitialized", c.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the context.
func (c Context) Backend() backends.Type { return c.h.backend }

// Device returns the device used to create the context. Notice the device may have been deinitialized since.
func (c Context) Device() (Device, error) {
	rec, err := c.record()
	if err != nil {
		return Device{}, err
	}
	return rec.device, nil
}

// Info queries information about the context using the two-phase protocol described in InfoRequest.
func (c Context) Info(kind ContextInfo, req InfoRequest) (int, error) {
	rec, err := c.record()
	if err != nil {
		return 0, err
	}
	var value []byte
	switch kind {
	case ContextInfoBackend:
		value = encodeUint32(uint32(c.h.backend))
	case ContextInfoDevice:
		value = rec.device.h.encode()
	case ContextInfoSessionID:
		value = []byte(rec.sessionID)
	default:
		return 0, errors.Wrapf(results.InvalidArgument, "unknown ContextInfo kind %d", kind)
	}
	return answer(req, value)
}

// DeviceFromInfo decodes the value of a ContextInfoDevice (or BufferInfoDevice) query.
func (rt *Runtime) DeviceFromInfo(value []byte) (Device, error) {
	h := decodeHandle(rt, value)
	d := Device{h: h}
	if _, err := d.record(); err != nil {
		return Device{}, err
	}
	return d, nil
}

// SessionID returns the unique identifier of the context.
func (c Context) SessionID() (string, error) {
	return queryString(func(req InfoRequest) (int, error) { return c.Info(ContextInfoSessionID, req) })
}

// String implements fmt.Stringer.
func (c Context) String() string {
	rec, err := c.record()
	if err != nil {
		return "Context(invalid)"
	}
	return fmt.Sprintf("Context(%s on %s)", rec.sessionID, rec.device)
}

// Deinit releases the backend session of the context.
//
// It fails with results.ResourceBusy if there are still live buffers, programs, symbols or events created from
// the context: they must be deinitialized (or released, for events) first. In that case nothing is changed and
// the context remains fully usable.
// A second Deinit fails with results.InvalidContext.
func (c Context) Deinit() error {
	rec, err := c.record()
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.finalized {
		rec.mu.Unlock()
		return errors.Wrapf(results.InvalidContext, "Context.Deinit(): context %s already deinitialized", rec.sessionID)
	}
	if total := rec.numBuffers + rec.numPrograms + rec.numSymbols + rec.numEvents; total > 0 {
		err = errors.Wrapf(results.ResourceBusy, "Context.Deinit(): context %s still owns %d buffer(s), "+
			"%d program(s), %d symbol(s) and %d event(s)", rec.sessionID, rec.numBuffers, rec.numPrograms,
			rec.numSymbols, rec.numEvents)
		rec.mu.Unlock()
		return err
	}
	rec.finalized = true
	rec.mu.Unlock()

	rt := c.h.rt
	rt.contexts.remove(c.h.slot, c.h.gen)
	rec.deviceRec.contexts.Add(-1)
	rt.tracker.Remove(leaks.Context, c.h.gen)
	if rec.config.Debug {
		klog.V(1).Infof("compute: context %s deinitialized", rec.sessionID)
	}
	if err := rec.backend.Finalize(); err != nil {
		return errors.WithMessagef(err, "Context.Deinit(): backend failed to finalize context %s", rec.sessionID)
	}
	return nil
}

// reserve one more resource of the kind in the context, if it's not finalized.
// The counter is decremented with release.
func (rec *contextRecord) reserve(counter *int) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.finalized {
		return errors.Wrapf(results.InvalidContext, "context %s was deinitialized", rec.sessionID)
	}
	*counter++
	return nil
}

func (rec *contextRecord) release(counter *int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	*counter--
}

// trace logs the operation if the context is in debug mode.
func (rec *contextRecord) trace(format string, args ...any) {
	if rec.config.Debug && klog.V(1).Enabled() {
		klog.Infof("compute: [%s] %s", rec.sessionID, fmt.Sprintf(format, args...))
	}
}

// site returns the allocation site of the caller of the public API, if in debug mode.
// skip is the number of frames between the caller of site and the public API method.
func (rec *contextRecord) site(skip int) string {
	if !rec.config.Debug {
		return ""
	}
	return callSite(skip + 1)
}
