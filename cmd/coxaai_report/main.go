// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// coxaai_report re-generates the summary of the runs of an experiment from their metrics.csv files.
//
// The arguments are run log directories (".../<run>/version_<n>"). With -log_root, all runs under it are
// reported instead:
//
//	$ coxaai_report -log_root=~/coxa/experiments/swin_randaugment/logs -output=best_model_metrics.txt
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/coxaai/coxaai/report"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagLogRoot = flag.String("log_root", "", "Report all <run>/version_<n> directories under this directory.")
	flagOutput  = flag.String("output", "", "Write the summary to this file, besides printing it.")
	flagPlot    = flag.String("plot", "", "Plot the validation loss curves to this file, e.g. \"val_loss.png\".")
	flagTitle   = flag.String("title", "", "Title of the summary and plot.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	logDirs := flag.Args()
	if *flagLogRoot != "" {
		root := must.M1(fsutil.ReplaceTildeInDir(*flagLogRoot))
		logDirs = append(logDirs, must.M1(report.FindLogDirs(root))...)
	}
	if len(logDirs) == 0 {
		klog.Errorf("No runs to report: give log directories as arguments or use -log_root. See 'coxaai_report -help'.")
		os.Exit(1)
	}

	results := must.M1(report.ExperimentMetrics(logDirs))
	if *flagOutput != "" {
		must.M(report.WriteSummary(*flagOutput, *flagTitle, results))
	}
	fmt.Print(report.Format(*flagTitle, results))
	if *flagPlot != "" {
		must.M(report.PlotLossCurves(*flagTitle, logDirs, *flagPlot))
		fmt.Printf("Validation loss curves plotted to %q\n", *flagPlot)
	}
}
