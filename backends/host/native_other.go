// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !darwin && !linux

package host

import (
	"reflect"
	"runtime"

	"github.com/pkg/errors"
)

func dlopen(path string) (uintptr, error) {
	return 0, errors.Wrapf(CodeNativeUnsupported, "host: native libraries not supported on %s, can't load %q",
		runtime.GOOS, path)
}

func dlsym(uintptr, string) (uintptr, error) {
	return 0, errors.Wrap(CodeNativeUnsupported, "host: native libraries not supported")
}

func dlclose(uintptr) error { return nil }

func bindFunc(uintptr, reflect.Type) (reflect.Value, error) {
	return reflect.Value{}, errors.Wrap(CodeNativeUnsupported, "host: native libraries not supported")
}
