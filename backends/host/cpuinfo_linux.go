// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"os"

	"k8s.io/klog/v2"
)

func detectCPU() cpuInfo {
	var info cpuInfo
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		klog.V(1).Infof("host: failed to read /proc/cpuinfo: %v", err)
	} else {
		info = parseCPUInfo(f)
		_ = f.Close()
	}
	if content, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"); err == nil {
		if mhz := parseKHz(string(content)); mhz > 0 {
			info.maxFrequency = mhz
		}
	}
	return info
}
