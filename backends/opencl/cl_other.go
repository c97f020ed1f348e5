// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !darwin && !linux

package opencl

import "runtime"

func openLibrary() error {
	return errUnavailable("dynamic loading not supported on " + runtime.GOOS)
}
