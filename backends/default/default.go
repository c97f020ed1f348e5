// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the host (CPU) backend and OpenCL.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/unicompute/backends/default"
//
// If you add the tag `noopencl` it will not include OpenCL -- useful to keep the binary from ever loading the
// system OpenCL library.
package _default

import (
	_ "github.com/gomlx/unicompute/backends/host"
)
