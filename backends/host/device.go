// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"bufio"
	"io"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/gomlx/unicompute/backends"
)

// Device is the single device of the host backend: the CPU.
type Device struct {
	backend *Backend
	info    cpuInfo
}

var _ backends.Device = (*Device)(nil)

// cpuInfo is what could be detected about the CPU. Empty fields are unknown.
type cpuInfo struct {
	vendor, model string
	maxFrequency  int // MHz
}

func newDevice(b *Backend) *Device {
	info := detectCPU()
	if info.vendor == "" {
		info.vendor = "Unknown (" + runtime.GOARCH + ")"
	}
	if info.model == "" {
		info.model = runtime.GOARCH + " CPU"
	}
	return &Device{backend: b, info: info}
}

// Vendor implements backends.Device.
func (d *Device) Vendor() string { return d.info.vendor }

// Name implements backends.Device.
func (d *Device) Name() string { return d.info.model }

// CoreCount implements backends.Device. It is the number of logical CPUs usable by the process.
func (d *Device) CoreCount() int { return runtime.NumCPU() }

// MaxFrequency implements backends.Device.
func (d *Device) MaxFrequency() int { return d.info.maxFrequency }

// Features implements backends.Device: the CPU feature flags relevant to kernels, space separated.
func (d *Device) Features() string { return cpuFeatures() }

// NewContext implements backends.Device.
func (d *Device) NewContext(config backends.ContextConfig) (backends.Context, error) {
	return &Context{backend: d.backend, debug: config.Debug}, nil
}

// cpuFeatures lists the features detected by golang.org/x/sys/cpu for the current architecture.
func cpuFeatures() string {
	type flag struct {
		name    string
		present bool
	}
	var flags []flag
	switch runtime.GOARCH {
	case "amd64", "386":
		flags = []flag{
			{"sse2", cpu.X86.HasSSE2}, {"sse3", cpu.X86.HasSSE3}, {"ssse3", cpu.X86.HasSSSE3},
			{"sse4.1", cpu.X86.HasSSE41}, {"sse4.2", cpu.X86.HasSSE42}, {"popcnt", cpu.X86.HasPOPCNT},
			{"aes", cpu.X86.HasAES}, {"fma", cpu.X86.HasFMA}, {"avx", cpu.X86.HasAVX}, {"avx2", cpu.X86.HasAVX2},
			{"avx512f", cpu.X86.HasAVX512F}, {"avx512bw", cpu.X86.HasAVX512BW},
			{"avx512vnni", cpu.X86.HasAVX512VNNI}, {"avx512bf16", cpu.X86.HasAVX512BF16},
		}
	case "arm64":
		flags = []flag{
			{"fp", cpu.ARM64.HasFP}, {"asimd", cpu.ARM64.HasASIMD}, {"asimdhp", cpu.ARM64.HasASIMDHP},
			{"asimddp", cpu.ARM64.HasASIMDDP}, {"fphp", cpu.ARM64.HasFPHP}, {"aes", cpu.ARM64.HasAES},
			{"sha2", cpu.ARM64.HasSHA2}, {"crc32", cpu.ARM64.HasCRC32}, {"atomics", cpu.ARM64.HasATOMICS},
			{"sve", cpu.ARM64.HasSVE}, {"sve2", cpu.ARM64.HasSVE2},
		}
	}
	var names []string
	for _, f := range flags {
		if f.present {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, " ")
}

// armImplementers maps the "CPU implementer" codes of /proc/cpuinfo on ARM to vendor names.
var armImplementers = map[string]string{
	"0x41": "ARM",
	"0x42": "Broadcom",
	"0x43": "Cavium",
	"0x46": "Fujitsu",
	"0x48": "HiSilicon",
	"0x4e": "NVIDIA",
	"0x51": "Qualcomm",
	"0x61": "Apple",
	"0xc0": "Ampere",
}

// parseCPUInfo parses the contents of Linux's /proc/cpuinfo. Only the first processor entry is used.
func parseCPUInfo(r io.Reader) cpuInfo {
	var info cpuInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if info.vendor != "" || info.model != "" {
				break
			}
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			info.vendor = value
		case "CPU implementer":
			if name, ok := armImplementers[strings.ToLower(value)]; ok {
				info.vendor = name
			} else {
				info.vendor = "ARM implementer " + value
			}
		case "model name", "Model":
			if info.model == "" {
				info.model = value
			}
		case "cpu MHz":
			if mhz, err := strconv.ParseFloat(value, 64); err == nil && info.maxFrequency == 0 {
				info.maxFrequency = int(mhz + 0.5)
			}
		}
	}
	return info
}

// parseKHz parses a frequency in kHz as reported by the Linux cpufreq sysfs files, and returns it in MHz.
func parseKHz(content string) int {
	khz, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil || khz <= 0 {
		return 0
	}
	return khz / 1000
}
