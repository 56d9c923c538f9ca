// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/distributed"
	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
	"github.com/gomlx/trainkit/pkg/ml/datasets"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/gomlx/trainkit/pkg/ml/train/losses"
	"github.com/gomlx/trainkit/pkg/ml/train/metrics"
	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/gomlx/trainkit/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys published by the leader in the distributed store after each epoch.
const (
	// ModelFilenameKey holds the path of the best checkpoint.
	ModelFilenameKey = "model_filename"

	// ModelUpdateFlagKey is "True" if the best checkpoint was updated in the epoch, "False" otherwise.
	ModelUpdateFlagKey = "model_update_flag"

	// StopFlagKey is "True" if all ranks should stop training (early stopping or convergence).
	StopFlagKey = "stop_flag"

	// StopReasonKey holds the reason to stop, set with StopFlagKey.
	StopReasonKey = "stop_reason"
)

// Values of the flags published in the store.
const (
	FlagTrue  = "True"
	FlagFalse = "False"
)

// DefaultBackupPrefix is the prefix of backup checkpoints when there is no tracking run name.
const DefaultBackupPrefix = "model"

// Options for Train.
type Options struct {
	// ProcessGroup of the data-parallel job this process (rank) is part of. Required if
	// conf.Env.UseDataParallel, ignored otherwise.
	ProcessGroup *distributed.ProcessGroup

	// Tracker to use in the main process if conf.UseTracking. If nil a tracking.Local is created
	// in conf.TrackingDir.
	Tracker tracking.Tracker

	// Attach is called with the Loop before training, e.g. to attach a progress bar.
	// isMain is true for the process that reports (rank 0, or the only process).
	Attach func(loop *Loop, isMain bool)
}

// Result of Train.
type Result struct {
	// BestLoss is the smallest validation loss (averaged across ranks) and BestEpoch the epoch it was reached.
	BestLoss  float64
	BestEpoch int

	// Epochs run.
	Epochs int

	// BestCheckpoint is the base path of the best model checkpoint.
	BestCheckpoint string

	// StopReason is not empty if training stopped before max_number_of_epochs.
	StopReason string

	// RunName of the tracking run, if any.
	RunName string

	// Logs of the last epoch, and of the test data after training (nil if there is no test split).
	TrainLogs, ValidLogs, TestLogs Logs

	// Model trained, with the parameters of the last epoch.
	Model models.Model
}

// session holds the state of one call to Train.
type session struct {
	conf    *config.Config
	pg      *distributed.ProcessGroup
	useDP   bool
	isMain  bool
	rank    int
	ctx     context.Context
	trainer *Trainer

	schedule optimizers.Schedule
	handler  *checkpoints.Handler
	tracker  tracking.Tracker

	checkpointName, backupPrefix string
	smallestLoss                 float64
	bestEpoch                    int
	bestCheckpoint               string
	notImproved                  int
}

// Train runs the training configured in conf, and returns the best validation loss and checkpoint.
//
// In data-parallel mode (conf.Env.UseDataParallel) it must be called by every rank of opts.ProcessGroup.
// After each epoch, every rank publishes its logs in the store, and the leader (rank 0) averages them,
// saves the best checkpoint if the validation loss improved, and publishes its path with a flag. After
// a barrier, the other ranks load the published checkpoint if the flag is set. The leader also decides
// on early stopping for all ranks.
//
// Only the main process (the leader, or the only process) tracks the run and saves backups.
func Train(ctx context.Context, conf *config.Config, opts Options) (*Result, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	s := &session{conf: conf, ctx: ctx, smallestLoss: math.Inf(1), tracker: tracking.Noop{}}
	if conf.Env.UseDataParallel {
		if opts.ProcessGroup == nil {
			return nil, errors.New("data-parallel training requires a ProcessGroup")
		}
		if opts.ProcessGroup.WorldSize() != conf.Env.WorldSize {
			return nil, errors.Errorf("process group has %d ranks, but env/world_size=%d",
				opts.ProcessGroup.WorldSize(), conf.Env.WorldSize)
		}
		s.pg, s.useDP, s.rank = opts.ProcessGroup, true, opts.ProcessGroup.Rank()
	}
	s.isMain = !s.useDP || s.rank == distributed.LeaderRank

	loaders, err := datasets.GetLoaders(conf, s.rank)
	if err != nil {
		return nil, errors.WithMessage(err, "creating data loaders")
	}
	if err = s.build(loaders); err != nil {
		return nil, err
	}
	if s.isMain && conf.UseTracking {
		if err = s.startTracking(opts.Tracker, loaders); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err := s.tracker.Finish(); err != nil {
			klog.Errorf("Failed to finish tracking: %+v", err)
		}
	}()
	s.checkpointName = conf.ModelName
	s.backupPrefix = DefaultBackupPrefix
	if runName := s.tracker.RunName(); runName != "" {
		s.checkpointName, s.backupPrefix = runName, runName
	}
	if s.handler, err = checkpoints.Build(conf.ModelPath).Done(); err != nil {
		return nil, err
	}
	if conf.LoadWeights != "" {
		if err = s.loadWeights(conf.LoadWeights); err != nil {
			return nil, err
		}
	}
	if s.useDP {
		if err = s.trainer.ReduceParameters(ctx, s.pg.AllReduceMean); err != nil {
			return nil, err
		}
	}

	loop := NewLoop(s.trainer)
	if s.useDP {
		loop.OnEpochStart("barrier", 0, func(*Loop) error { return s.pg.Barrier(ctx) })
	}
	loop.OnEpoch("best_model", 0, s.onEpoch)
	if s.isMain {
		EveryNEpochs(loop, conf.Train.BackupFrequency, "backup", 10, s.backup)
	}
	loop.OnEpoch("lr_schedule", 20, func(*Loop, Logs, Logs) error {
		s.schedule.Step()
		return nil
	})
	if opts.Attach != nil {
		opts.Attach(loop, s.isMain)
	}
	if s.isMain {
		klog.Infof("Training %s with %s on %s, %d epochs of %d batches (world size %d)",
			s.trainer.Model().Name(), s.trainer.Loss().Name(), loaders.Train.Dataset().Name(),
			conf.Train.MaxNumberOfEpochs, loaders.Train.Len(), conf.Env.WorldSize)
	}
	if err = loop.RunEpochs(ctx, loaders.Train, loaders.Valid, conf.Train.MaxNumberOfEpochs); err != nil {
		return nil, err
	}

	result := &Result{
		BestLoss:       s.smallestLoss,
		BestEpoch:      s.bestEpoch,
		Epochs:         loop.Epoch,
		BestCheckpoint: s.bestCheckpoint,
		StopReason:     loop.StopReason(),
		RunName:        s.tracker.RunName(),
		TrainLogs:      loop.LastTrainLogs,
		ValidLogs:      loop.LastValidLogs,
		Model:          s.trainer.Model(),
	}
	if loaders.Test != nil && loaders.Test.Len() > 0 {
		if result.TestLogs, err = s.test(loaders.Test); err != nil {
			return nil, err
		}
	}
	if s.useDP {
		// The leader may be serving the store: all ranks finish together.
		if err = s.pg.Barrier(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// build creates the model, loss, optimizer, metrics and schedule.
func (s *session) build(loaders *datasets.Loaders) error {
	conf := s.conf
	ds := loaders.Train.Dataset()
	if ds.Len() == 0 {
		return errors.Errorf("training dataset %q is empty", ds.Name())
	}
	x, y, err := ds.Get(0)
	if err != nil {
		return errors.WithMessagef(err, "reading first example of %q", ds.Name())
	}
	outputDim := len(y)
	if conf.Train.Loss == "CrossEntropyLoss" && conf.Dataset.NumClasses > 0 {
		outputDim = conf.Dataset.NumClasses
	}
	model, err := models.New(conf, len(x), outputDim)
	if err != nil {
		return err
	}
	loss, err := losses.ByName(conf.Train.Loss)
	if err != nil {
		return err
	}
	opt, err := optimizers.ByName(conf)
	if err != nil {
		return err
	}
	metricsList, err := metrics.FromConfig(conf)
	if err != nil {
		return err
	}
	if s.schedule, err = NewSchedule(conf, opt); err != nil {
		return err
	}
	s.trainer = NewTrainer(model, loss, opt, metricsList...)
	if s.useDP {
		s.trainer.WithGradientReduce(s.pg.AllReduceMean)
	}
	return nil
}

// startTracking creates the tracking run and logs the configuration and dataset sizes.
func (s *session) startTracking(tracker tracking.Tracker, loaders *datasets.Loaders) error {
	if tracker == nil {
		local, err := tracking.NewLocal(s.conf.TrackingDir, s.conf.Project)
		if err != nil {
			return err
		}
		tracker = local
	}
	s.tracker = tracker
	values := s.conf.Flatten()
	values["train_size"] = loaders.Train.Dataset().Len()
	if loaders.Valid != nil {
		values["valid_size"] = loaders.Valid.Dataset().Len()
	}
	if loaders.Test != nil {
		values["test_size"] = loaders.Test.Dataset().Len()
	}
	return s.tracker.LogConfig(values)
}

// loadWeights restores the model parameters from the checkpoint at path.
func (s *session) loadWeights(path string) error {
	sd, meta, err := checkpoints.Load(path)
	if err != nil {
		return errors.WithMessage(err, "loading weights")
	}
	if err = models.LoadStateDict(s.trainer.Model(), sd); err != nil {
		return errors.WithMessagef(err, "loading weights from %q", path)
	}
	klog.V(1).Infof("rank %d: loaded weights from %q (epoch %d)", s.rank, path, meta.Epoch)
	return nil
}

// onEpoch implements the per-epoch synchronization, best model checkpointing and early stopping.
func (s *session) onEpoch(loop *Loop, trainLogs, validLogs Logs) error {
	ctx := s.ctx
	var store KeyValueStore
	if s.useDP {
		store = s.pg.Store()
		if err := SaveLogsInStore(ctx, store, s.rank, trainLogs, validLogs); err != nil {
			return err
		}
		if err := s.pg.Barrier(ctx); err != nil {
			return err
		}
		if s.isMain {
			avgTrain, avgValid, err := CalculateAverageLogs(ctx, store, s.conf.Env.WorldSize, trainLogs, validLogs)
			if err != nil {
				return err
			}
			// Following hooks see the averaged logs.
			replaceLogs(trainLogs, avgTrain)
			replaceLogs(validLogs, avgValid)
		}
	}

	var stopReason string
	if s.isMain {
		validLoss := validLogs.Loss()
		if math.IsNaN(validLoss) {
			validLoss = trainLogs.Loss()
		}
		improved := validLoss < s.smallestLoss
		if improved {
			s.smallestLoss = validLoss
			s.bestEpoch = loop.Epoch
			s.notImproved = 0
			path, err := s.saveBest(loop, trainLogs, validLogs)
			if err != nil {
				return err
			}
			if s.useDP {
				if err = store.Set(ctx, ModelFilenameKey, path); err != nil {
					return err
				}
			}
		} else {
			s.notImproved++
		}
		if err := s.tracker.Log(loop.Epoch, s.epochValues(loop, trainLogs, validLogs)); err != nil {
			return err
		}
		stopReason = s.stopReason(trainLogs)
		stop := stopReason != ""
		if s.useDP {
			if err := store.Set(ctx, ModelUpdateFlagKey, flagValue(improved)); err != nil {
				return err
			}
			if stop {
				if err := store.Set(ctx, StopReasonKey, stopReason); err != nil {
					return err
				}
			}
			if err := store.Set(ctx, StopFlagKey, flagValue(stop)); err != nil {
				return err
			}
		}
		klog.V(1).Infof("Epoch %d: train {%s}, valid {%s}, smallest loss %g", loop.Epoch, trainLogs, validLogs, s.smallestLoss)
	}

	if s.useDP {
		if err := s.pg.Barrier(ctx); err != nil {
			return err
		}
		if !s.isMain {
			var err error
			if stopReason, err = s.followLeader(store); err != nil {
				return err
			}
		}
	}
	if stopReason != "" {
		loop.Stop(stopReason)
	}
	return nil
}

// stopReason returns why training should stop after this epoch, or "" to continue.
// Only the main process decides.
func (s *session) stopReason(trainLogs Logs) string {
	if patience := s.conf.Train.EarlyStoppingPatience; patience > 0 && s.notImproved >= patience {
		return "early stopping: validation loss didn't improve in the last " + formatEpochs(patience)
	}
	if minLoss := s.conf.Train.MinTrainLoss; minLoss > 0 && trainLogs.Loss() < minLoss {
		return fmt.Sprintf("converged: training loss %g < %g", trainLogs.Loss(), minLoss)
	}
	return ""
}

// followLeader loads the checkpoint published by the leader, if it was updated, and returns the
// reason to stop, or "" if training continues.
func (s *session) followLeader(store KeyValueStore) (stopReason string, err error) {
	ctx := s.ctx
	flag, err := store.Get(ctx, ModelUpdateFlagKey)
	if err != nil {
		return "", err
	}
	if flag == FlagTrue {
		path, err := store.Get(ctx, ModelFilenameKey)
		if err != nil {
			return "", err
		}
		if err = s.loadWeights(path); err != nil {
			return "", err
		}
		s.bestCheckpoint = path
	}
	stopFlag, err := store.Get(ctx, StopFlagKey)
	if err != nil || stopFlag != FlagTrue {
		return "", err
	}
	return store.Get(ctx, StopReasonKey)
}

// saveBest saves the best model checkpoint, replacing the previous one, and copies it to the tracking run.
func (s *session) saveBest(loop *Loop, trainLogs, validLogs Logs) (string, error) {
	meta := checkpoints.Metadata{
		Epoch:   loop.Epoch,
		Metrics: s.epochValues(loop, trainLogs, validLogs),
	}
	if runName := s.tracker.RunName(); runName != "" {
		meta.Labels = map[string]string{"run": runName}
	}
	path, err := s.handler.Save(s.checkpointName, models.StateDictOf(s.trainer.Model()), meta)
	if err != nil {
		return "", err
	}
	s.bestCheckpoint = path
	jsonPath, binPath := checkpoints.Files(path)
	for _, file := range []string{jsonPath, binPath} {
		if err = s.tracker.SaveFile(file); err != nil {
			return "", err
		}
	}
	return path, nil
}

// backup saves a backup checkpoint.
func (s *session) backup(loop *Loop, trainLogs, validLogs Logs) error {
	_, err := s.handler.SaveBackup(s.backupPrefix, loop.Epoch, models.StateDictOf(s.trainer.Model()),
		checkpoints.Metadata{Epoch: loop.Epoch, Metrics: s.epochValues(loop, trainLogs, validLogs)})
	return err
}

// test evaluates the model on the test loader, averaging across ranks in data-parallel mode.
func (s *session) test(loader *datasets.DataLoader) (Logs, error) {
	logs, err := s.trainer.EvalEpoch(s.ctx, loader)
	if err != nil {
		return nil, errors.WithMessage(err, "test")
	}
	if s.useDP {
		keys := logs.Keys()
		values := make([]float64, len(keys))
		for ii, key := range keys {
			values[ii] = logs[key]
		}
		if err = s.pg.AllReduceMean(s.ctx, values); err != nil {
			return nil, err
		}
		for ii, key := range keys {
			logs[key] = values[ii]
		}
	}
	if s.isMain {
		values := make(map[string]float64, len(logs))
		for key, v := range logs {
			values[key+" test"] = v
		}
		if err = s.tracker.Log(s.bestEpoch, values); err != nil {
			return nil, err
		}
		klog.Infof("Test: %s", logs)
	}
	return logs, nil
}

// epochValues returns the values tracked at the end of each epoch.
func (s *session) epochValues(loop *Loop, trainLogs, validLogs Logs) map[string]float64 {
	values := map[string]float64{
		"epoch":         float64(loop.Epoch),
		"learning rate": optimizers.GetLR(s.trainer.Optimizer()),
		"smallest loss": s.smallestLoss,
	}
	for key, v := range trainLogs {
		values[key+" "+TrainMode] = v
	}
	for key, v := range validLogs {
		values[key+" "+ValidMode] = v
	}
	return values
}

func replaceLogs(dst, src Logs) {
	clear(dst)
	for key, v := range src {
		dst[key] = v
	}
}

func flagValue(b bool) string {
	if b {
		return FlagTrue
	}
	return FlagFalse
}

func formatEpochs(n int) string {
	if n == 1 {
		return "epoch"
	}
	return fmt.Sprintf("%d epochs", n)
}
