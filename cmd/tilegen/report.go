// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegen/pkg/hardware"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4C4"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E44")).Bold(true)

	tableBorderColor = "#705090"
)

// stdout is the terminal output, used to control the cursor while the progress bars are displayed.
var stdout *termenv.Output

// setupTerminal detects the color support of the terminal, or disables colors.
func setupTerminal(noColor bool) {
	stdout = termenv.NewOutput(os.Stdout)
	if noColor || stdout.Profile == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func bytes(n int) string { return humanize.IBytes(uint64(n)) }

func profileTable(profile *hardware.Profile) *lgtable.Table {
	table := newTable(false)
	table.Row("target", profile.Name)
	table.Row("cores", humanize.Comma(int64(profile.Cores)))
	table.Row("staging", bytes(profile.StagingBytes))
	table.Row("accumulator", bytes(profile.AccumulatorBytes))
	table.Row("block", bytes(profile.BlockBytes))
	table.Row("DMA limits", fmt.Sprintf("stride %s, burst %s, count %s", humanize.Comma(int64(profile.MaxStride)),
		humanize.Comma(int64(profile.MaxBurst)), humanize.Comma(int64(profile.MaxBurstCount))))
	profile.EnumerateSettings(func(scope, key string, value any) {
		table.Row(scope+hardware.ScopeSeparator+key, fmt.Sprintf("%v", value))
	})
	return table
}

func kernelsTable(kernels []*Kernel) *lgtable.Table {
	table := newTable(true)
	table.Headers("Kernel", "Op", "Cores", "Loops", "Moves", "Write-backs", "Staging", "Accumulator", "Status")
	for ii, k := range kernels {
		if k.Err != nil {
			name := k.Spec.Name
			if name == "" {
				name = fmt.Sprintf("#%d", ii)
			}
			table.Row(name, k.Spec.Op, "", "", "", "", "", "", failedStyle.Render(k.Err.Error()))
			continue
		}
		s := k.Program.Summary()
		table.Row(s.Name, k.Config.Kind().String(), humanize.Comma(int64(s.Cores)),
			fmt.Sprintf("%d (%d pipelined)", s.Loops, s.PipelinedLoops),
			humanize.Comma(int64(s.Moves)), humanize.Comma(int64(s.WriteBacks)),
			bytes(s.StagingPeak), bytes(s.AccumulatorPeak), okStyle.Render("ok"))
	}
	return table
}

func checksTable(checks []Check) *lgtable.Table {
	table := newTable(true)
	table.Headers("Kernel", "Instructions", "Blocks moved", "Elements", "Mismatches", "Max diff", "Status")
	for _, c := range checks {
		if c.Err != nil {
			table.Row(c.Name, "", "", "", "", "", failedStyle.Render(c.Err.Error()))
			continue
		}
		status := okStyle.Render("ok")
		switch {
		case c.Mismatches > 0:
			status = failedStyle.Render("mismatch")
		case c.Unwritten > 0:
			status = failedStyle.Render(fmt.Sprintf("%s unwritten", humanize.Comma(int64(c.Unwritten))))
		}
		table.Row(c.Name, humanize.Comma(int64(c.Stats.Instructions)), humanize.Comma(int64(c.Stats.BlocksMoved)),
			humanize.Comma(int64(c.Elements)), humanize.Comma(int64(c.Mismatches)), fmt.Sprintf("%g", c.MaxDiff), status)
	}
	return table
}

// newCoreProgress returns a callback for sim.Options.OnCoreDone that displays a progress bar of the
// simulated cores.
func newCoreProgress(name string, cores int) func(core int) {
	bar := progressbar.NewOptions(cores,
		progressbar.OptionSetDescription(fmt.Sprintf("simulating %s", name)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("cores"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	return func(core int) {
		if err := bar.Add(1); err != nil {
			klog.V(2).Infof("progress bar of %s, core #%d: %v", name, core, err)
		}
	}
}
