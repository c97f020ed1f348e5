// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/backends"
	"github.com/gomlx/unicompute/internal/leaks"
	"github.com/gomlx/unicompute/results"
)

// Program is a kernel module loaded in a Context, from which kernel entry points (Symbol) are resolved.
type Program struct{ h handle }

type programRecord struct {
	ctx     *contextRecord
	backend backends.Program
	path    string

	// Protected by ctx.mu.
	finalized  bool
	numSymbols int
}

// OpenProgram loads the kernel module at path in the context. The interpretation of path depends on the backend:
// the host backend takes the name of a module registered with host.RegisterModule, or the path to a shared
// library, and OpenCL takes the path to a ".cl" source file.
//
// Load failures (missing file, invalid or incompatible format) are reported as results.ProgramLoadFailed.
func (c Context) OpenProgram(path string) (Program, error) {
	ctx, err := c.record()
	if err != nil {
		return Program{}, err
	}
	if path == "" {
		return Program{}, errors.Wrap(results.InvalidArgument, "Context.OpenProgram(): empty path")
	}
	if err := ctx.reserve(&ctx.numPrograms); err != nil {
		return Program{}, err
	}
	backendProgram, err := ctx.backend.OpenProgram(path)
	if err != nil {
		ctx.release(&ctx.numPrograms)
		if results.CodeOf(err) == results.ExecutionFailed {
			return Program{}, errors.Wrapf(results.ProgramLoadFailed, "Context.OpenProgram(%q): %v", path, err)
		}
		return Program{}, errors.WithMessagef(err, "Context.OpenProgram(%q)", path)
	}
	rec := &programRecord{ctx: ctx, backend: backendProgram, path: path}
	rt := c.h.rt
	slot, gen := rt.programs.insert(rec)
	rt.tracker.Add(leaks.Program, gen, ctx.site(1))
	ctx.trace("program #%d opened from %q", gen, path)
	return Program{h: handle{rt: rt, backend: c.h.backend, slot: slot, gen: gen}}, nil
}

func (p Program) record() (*programRecord, error) {
	if p.h.isZero() {
		return nil, errors.Wrap(results.InvalidHandle, "uninitialized Program handle")
	}
	rec, found := p.h.rt.programs.get(p.h.slot, p.h.gen)
	if !found {
		return nil, errors.Wrapf(results.InvalidProgram, "Program handle #%d was deinitialized", p.h.gen)
	}
	return rec, nil
}

// Backend returns the backend type of the program.
func (p Program) Backend() backends.Type { return p.h.backend }

// Path returns the path the program was opened from.
func (p Program) Path() (string, error) {
	rec, err := p.record()
	if err != nil {
		return "", err
	}
	return rec.path, nil
}

// Deinit unloads the program.
//
// It fails with results.ResourceBusy while symbols resolved from it are alive.
func (p Program) Deinit() error {
	rec, err := p.record()
	if err != nil {
		return err
	}
	ctx := rec.ctx
	ctx.mu.Lock()
	if rec.finalized {
		ctx.mu.Unlock()
		return errors.Wrapf(results.InvalidProgram, "Program.Deinit(): program #%d already deinitialized", p.h.gen)
	}
	if rec.numSymbols > 0 {
		err = errors.Wrapf(results.ResourceBusy, "Program.Deinit(): program #%d (%q) still has %d live symbol(s)",
			p.h.gen, rec.path, rec.numSymbols)
		ctx.mu.Unlock()
		return err
	}
	rec.finalized = true
	ctx.numPrograms--
	ctx.mu.Unlock()

	rt := p.h.rt
	rt.programs.remove(p.h.slot, p.h.gen)
	rt.tracker.Remove(leaks.Program, p.h.gen)
	ctx.trace("program #%d (%q) deinitialized", p.h.gen, rec.path)
	if err := rec.backend.Finalize(); err != nil {
		return errors.WithMessagef(err, "Program.Deinit(): backend failed to unload %q", rec.path)
	}
	return nil
}

// String implements fmt.Stringer.
func (p Program) String() string {
	rec, err := p.record()
	if err != nil {
		return "Program(invalid)"
	}
	return fmt.Sprintf("Program(#%d %q)", p.h.gen, rec.path)
}
