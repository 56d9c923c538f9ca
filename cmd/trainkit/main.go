// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// trainkit trains the model configured in a YAML file.
//
// It runs as a single process by default. With -world_size > 1 it spawns that many data-parallel
// ranks in the same process. With the environment variable RANK set (along with WORLD_SIZE,
// MASTER_ADDR and MASTER_PORT) it runs one rank of a multi-process job.
//
// Example:
//
//	trainkit -config=configs/base_config.yaml -lr=0.01 -set="train/max_number_of_epochs=50;model/name=mlp"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/distributed"
	"github.com/gomlx/trainkit/pkg/ml/train"
	"github.com/gomlx/trainkit/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig      = flag.String("config", "configs/base_config.yaml", "Path to the YAML configuration file.")
	flagLR          = flag.Float64("lr", 0, "Learning rate. If > 0 it overrides optimizer/lr.")
	flagLoadWeights = flag.String("load_weights", "", "Checkpoint to load before training. Overrides load_weights.")
	flagBatchSize   = flag.Int("batch_size", 32, "Batch size. Overrides train/batch_size.")
	flagWorldSize   = flag.Int("world_size", 0, "Number of data-parallel ranks to spawn in this process. "+
		"If > 0 it overrides env/world_size. Ignored if $RANK is set.")
	flagVerbosity  = flag.Int("verbosity", 0, "Logging verbosity, same as klog's -v.")
	flagNoProgress = flag.Bool("no_progress", false, "Disables the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	conf := config.Default()
	settings := commandline.CreateSettingsFlag(nil, conf, "")
	flag.Parse()
	if *flagVerbosity > 0 {
		must.M(flag.Set("v", fmt.Sprintf("%d", *flagVerbosity)))
	}

	var err error
	conf, err = config.Load(*flagConfig)
	if err != nil {
		klog.Exitf("Failed to load configuration: %+v", err)
	}
	conf.ApplyFlags(config.Flags{LR: *flagLR, LoadWeights: *flagLoadWeights, BatchSize: *flagBatchSize})
	paramsSet, err := conf.ApplySettings(*settings)
	if err != nil {
		klog.Exitf("Failed to parse -set: %+v", err)
	}
	if len(paramsSet) > 0 {
		klog.Infof("Settings:\n%s", commandline.SprintModifiedSettings(conf, paramsSet))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	envOpts, isRank, err := distributed.FromEnv(distributed.Options{
		WorldSize:  conf.Env.WorldSize,
		MasterAddr: conf.Env.MasterAddr,
		MasterPort: conf.Env.StorePort,
	})
	if err != nil {
		klog.Exitf("Invalid distributed environment: %+v", err)
	}
	switch {
	case isRank:
		conf.Env.WorldSize = envOpts.WorldSize
		conf.Finalize()
		err = runRank(ctx, conf, envOpts)
	default:
		if *flagWorldSize > 0 {
			conf.Env.WorldSize = *flagWorldSize
		}
		conf.Finalize()
		if conf.Env.UseDataParallel {
			err = distributed.Spawn(ctx, conf.Env.WorldSize, conf.Env.MasterAddr, conf.Env.StorePort,
				func(ctx context.Context, pg *distributed.ProcessGroup) error {
					return trainAndReport(ctx, conf.Clone(), pg)
				})
		} else {
			err = trainAndReport(ctx, conf, nil)
		}
	}
	if err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
}

// runRank runs one rank of a multi-process job.
func runRank(ctx context.Context, conf *config.Config, opts distributed.Options) error {
	pg, err := distributed.Setup(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Cleanup(); err != nil {
			klog.Warningf("rank %d: failed to close the store connection: %v", pg.Rank(), err)
		}
	}()
	return trainAndReport(ctx, conf, pg)
}

// trainAndReport trains and, in the main process, prints the results.
func trainAndReport(ctx context.Context, conf *config.Config, pg *distributed.ProcessGroup) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	if pg == nil || pg.IsLeader() {
		klog.V(1).Infof("Configuration:\n%s", conf)
	}
	result, err := train.Train(ctx, conf, train.Options{
		ProcessGroup: pg,
		Attach: func(loop *train.Loop, isMain bool) {
			if isMain && !*flagNoProgress {
				commandline.AttachProgressBar(loop)
			}
		},
	})
	if err != nil {
		return err
	}
	if pg != nil && !pg.IsLeader() {
		return nil
	}
	return commandline.ReportResult(os.Stdout, result)
}
