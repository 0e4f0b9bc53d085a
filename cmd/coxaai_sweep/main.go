// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// coxaai_sweep runs one of the experiment presets: for each combination of its grid it trains and tests a
// model, logging to <project_root>/<experiments_dir>/<experiment>/logs and checkpointing to
// .../<experiment>/checkpoints. At the end it writes the summary of the best models.
//
// Example:
//
//	$ PROJECT_ROOT=~/coxa DATA_FILE=~/coxa/hips.h5 coxaai_sweep -experiment=swin_randaugment
//	$ coxaai_sweep -experiment=cnn_baseline -set="cnn_num_layers=3;learning_rate=3e-4" -plot
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/experiments"
	"github.com/coxaai/coxaai/report"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagExperiment = flag.String("experiment", "",
		fmt.Sprintf("Experiment preset to run, one of: %s", strings.Join(experiments.Presets(), ", ")))
	flagConfig = flag.String("config", "", "Optional YAML file with configuration overrides.")
	flagEnv    = flag.String("env", ".env", "Optional .env file with PROJECT_ROOT, DATA_FILE and COXAAI_* variables.")
	flagSet    = flag.String("set", "", "Hyperparameters overrides for every run, "+
		"in the format \"param1=value1;param2=value2\". Use \"file:<path>\" to read them from a file.")
	flagDryRun      = flag.Bool("dry_run", false, "Print the runs of the experiment and exit.")
	flagPlot        = flag.Bool("plot", false, "Plot the validation loss curves of all runs next to the summary.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar while training.")
	flagParallelism = flag.Int("parallelism", 0, "Number of goroutines preparing training batches. 0 disables it.")
	flagWorkers     = flag.Int("workers", runtime.NumCPU(), "Number of goroutines transforming the images of a batch.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagExperiment == "" {
		klog.Errorf("-experiment is required, use one of: %s", strings.Join(experiments.Presets(), ", "))
		os.Exit(1)
	}
	preset := must.M1(experiments.PresetByName(*flagExperiment))
	cfg := must.M1(config.Load(config.WithYAMLFile(*flagConfig), config.WithEnvFile(*flagEnv)))
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}

	if *flagDryRun {
		env := &experiments.Environment{Config: cfg}
		s := env.Sweep(preset)
		names := must.M1(s.Names())
		combos := must.M1(preset.Grid.Combinations())
		fmt.Printf("Experiment %q: %s\n", preset.Name, preset.Description)
		fmt.Printf("%d runs, logs in %q:\n", len(names), cfg.LogDir(preset.Name))
		for i, name := range names {
			fmt.Printf("  %-50s %s\n", name, combos[i])
		}
		return
	}

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	env := &experiments.Environment{
		Config:      cfg,
		Backend:     backend,
		Settings:    *flagSet,
		ProgressBar: *flagProgress,
		Parallelism: *flagParallelism,

		TransformWorkers: *flagWorkers,
	}
	artifacts, err := env.Sweep(preset).Run()
	if err != nil {
		klog.Fatalf("Experiment %q failed after %d runs: %+v", preset.Name, len(artifacts), err)
	}
	summary := must.M1(os.ReadFile(cfg.SummaryPath(preset.Name)))
	fmt.Println(string(summary))

	if *flagPlot {
		logDirs := make([]string, len(artifacts))
		for i, artifact := range artifacts {
			logDirs[i] = artifact.LogDir
		}
		plotPath := filepath.Join(cfg.LogDir(preset.Name), "val_loss.png")
		must.M(report.PlotLossCurves(fmt.Sprintf("%s: validation loss", preset.Name), logDirs, plotPath))
		fmt.Printf("Validation loss curves plotted to %q\n", plotPath)
	}
}
