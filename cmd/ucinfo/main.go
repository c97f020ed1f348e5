// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ucinfo lists the compute devices available through the registered backends, and optionally the known result codes.
//
// Usage:
//
//	ucinfo [-backends="host;opencl:type=gpu"] [-features] [-codes]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/unicompute/backends"
	_ "github.com/gomlx/unicompute/backends/default"
	"github.com/gomlx/unicompute/compute"
	"github.com/gomlx/unicompute/results"
)

var (
	flagBackends = flag.String("backends", backends.ConfigFromEnv(),
		fmt.Sprintf("Backends to query, a \";\" separated list of <name>[:<config>]. Defaults to $%s, or all "+
			"registered backends (%s) if empty.", backends.ConfigEnvVar, strings.Join(backends.List(), ", ")))
	flagFeatures = flag.Bool("features", false, "Also list the features (CPU flags or driver extensions) of each device.")
	flagCodes    = flag.Bool("codes", false, "List the known result codes and their names.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'ucinfo -help'.", flag.Args())
		os.Exit(1)
	}

	rt, err := compute.NewWithConfig(*flagBackends)
	if err != nil {
		klog.Errorf("Failed to create runtime: %s (%+v)", results.CodeOf(err), err)
		os.Exit(1)
	}
	defer func() { must.M(rt.Finalize()) }()

	listDevices(rt)
	if *flagCodes {
		listCodes()
	}
}

func listDevices(rt *compute.Runtime) {
	fmt.Println(titleStyle.Render("Backends"))
	table := newTable(true)
	table.Row("Type", "Name", "Description")
	for _, backendType := range rt.Backends() {
		b, _ := rt.Backend(backendType)
		table.Row(backendType.String(), b.Name(), b.Description())
	}
	fmt.Println(table.Render())

	// Two-call pattern: query the count first, then fill the handles.
	count := must.M1(rt.GetDevices(nil, nil))
	devices := make([]compute.Device, count)
	count = must.M1(rt.GetDevices(nil, devices))
	devices = devices[:min(count, len(devices))]
	fmt.Println(titleStyle.Render(fmt.Sprintf("Available devices: %d", len(devices))))
	if len(devices) == 0 {
		return
	}

	table = newTable(true)
	header := []string{"#", "Backend", "Vendor", "Name", "Cores", "Max Frequency"}
	if *flagFeatures {
		header = append(header, "Features")
	}
	table.Row(header...)
	for ii, d := range devices {
		row := []string{
			fmt.Sprintf("%d", ii),
			d.Backend().String(),
			must.M1(d.Vendor()),
			must.M1(d.Name()),
			humanize.Comma(int64(must.M1(d.CoreCount()))),
			frequency(must.M1(d.MaxFrequency())),
		}
		if *flagFeatures {
			row = append(row, wrap(must.M1(d.Features()), 60))
		}
		table.Row(row...)
		must.M(d.Deinit())
	}
	fmt.Println(table.Render())
}

// frequency pretty-prints a frequency given in MHz.
func frequency(mhz int) string {
	if mhz <= 0 {
		return "unknown"
	}
	return humanize.SIWithDigits(float64(mhz)*1e6, 2, "Hz")
}

// wrap breaks a space separated list of words in lines of at most width characters.
func wrap(words string, width int) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(words) {
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func listCodes() {
	fmt.Println(titleStyle.Render("Result codes"))
	table := newTable(true)
	table.Row("Code", "Name")
	codes, names := results.All()
	for ii, code := range codes {
		table.Row(fmt.Sprintf("%d", int32(code)), names[ii])
	}
	fmt.Println(table.Render())
}
