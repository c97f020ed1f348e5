// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package host

import (
	"reflect"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/unicompute/results"
)

func dlopen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
}

func dlsym(lib uintptr, name string) (uintptr, error) {
	return purego.Dlsym(lib, name)
}

func dlclose(lib uintptr) error {
	return purego.Dlclose(lib)
}

// bindFunc creates a Go function of type funcType that calls the C function fn.
func bindFunc(fn uintptr, funcType reflect.Type) (reflect.Value, error) {
	fnPtr := reflect.New(funcType)
	exception := exceptions.TryCatch[any](func() { purego.RegisterFunc(fnPtr.Interface(), fn) })
	if exception != nil {
		return reflect.Value{}, errors.Wrapf(results.UnsupportedOperation, "host: can't call native function with "+
			"signature %s: %v", funcType, exception)
	}
	return fnPtr.Elem(), nil
}
