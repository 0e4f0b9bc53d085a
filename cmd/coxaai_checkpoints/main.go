// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// coxaai_checkpoints inspects the checkpoint directory of a run: the best checkpoint recorded by the
// trainer, and optionally the hyperparameters and variables saved with it.
//
//	$ coxaai_checkpoints -params -vars ~/coxa/experiments/efficientnet_b0_to_b7/checkpoints/efficientnet_b3
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/coxaai/coxaai/trainer"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope  = flag.String("scope", "/model", "Scope of the variables included in the summary and the -vars listing.")
	flagParams = flag.Bool("params", false, "List the hyperparameters saved with the checkpoint.")
	flagVars   = flag.Bool("vars", false, "List the variables under -scope.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	rowStyle       = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4)
)

func newTable(headers ...string) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if col == 0 {
				return rowStyle.Align(lipgloss.Right)
			}
			return rowStyle.Align(lipgloss.Left)
		})
	if len(headers) > 0 {
		table.Headers(headers...)
	}
	return table
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		klog.Errorf("Expected exactly one run checkpoint directory. See 'coxaai_checkpoints -help'.")
		os.Exit(1)
	}
	dir := flag.Arg(0)

	best := must.M1(trainer.ReadBestCheckpoint(dir))
	fmt.Println(titleStyle.Render("Best checkpoint"))
	table := newTable()
	table.Row("name", best.Filename)
	table.Row("checkpoint", best.Checkpoint)
	table.Row(best.Monitor, fmt.Sprintf("%.4f", best.Score))
	table.Row("epoch", humanize.Comma(int64(best.Epoch)))
	table.Row("step", humanize.Comma(int64(best.Step)))

	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(dir).Immediate().Done())
	scopedCtx := ctx.InAbsPath(*flagScope)
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	var numVars, numParams int
	var numBytes uintptr
	var varRows [][]string
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		numVars++
		numParams += shape.Size()
		numBytes += shape.Memory()
		varRows = append(varRows, []string{v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory()))})
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes", humanize.Bytes(uint64(numBytes)))
	fmt.Println(table.Render())

	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		table := newTable("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		fmt.Println(table.Render())
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("Variables"))
		slices.SortFunc(varRows, func(a, b []string) int {
			if c := strings.Compare(a[0], b[0]); c != 0 {
				return c
			}
			return strings.Compare(a[1], b[1])
		})
		table := newTable("Scope", "Name", "Shape", "Size", "Bytes")
		for _, row := range varRows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}
}
