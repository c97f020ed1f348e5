// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func detectCPU() cpuInfo {
	var info cpuInfo
	if brand, err := unix.Sysctl("machdep.cpu.brand_string"); err == nil {
		info.model = brand
	}
	if vendor, err := unix.Sysctl("machdep.cpu.vendor"); err == nil {
		info.vendor = vendor
	} else if runtime.GOARCH == "arm64" {
		info.vendor = "Apple"
	}
	// Only reported by Intel Macs.
	if hz, err := unix.SysctlUint64("hw.cpufrequency_max"); err == nil {
		info.maxFrequency = int(hz / 1_000_000)
	}
	return info
}
