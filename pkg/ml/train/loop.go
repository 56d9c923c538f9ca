// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/trainkit/pkg/ml/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnEpochStartFn is the type of OnEpochStart hooks, called before training each epoch.
type OnEpochStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called after each training batch.
type OnStepFn func(loop *Loop, batchLoss float64) error

// OnEpochFn is the type of OnEpoch hooks, called after the training and validation of each epoch.
// Hooks may modify the logs: the following hooks see the modified values.
type OnEpochFn func(loop *Loop, trainLogs, validLogs Logs) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the training loop: for each epoch it calls Trainer.TrainEpoch, then Trainer.EvalEpoch
// on the validation data, and the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, progress bars, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// Epoch currently being executed, starting from 1.
	Epoch int

	// StartEpoch and EndEpoch are the first and last epochs of the current run (RunEpochs).
	StartEpoch, EndEpoch int

	// GlobalStep counts the training batches over all runs of the loop.
	GlobalStep int

	// StartStep is the value of GlobalStep at the start of the current run, and EndStep is the
	// expected GlobalStep at its end.
	StartStep, EndStep int

	// StepsPerEpoch is the number of training batches of each epoch.
	StepsPerEpoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// EpochDurations collected during training.
	EpochDurations []time.Duration

	// LastTrainLogs and LastValidLogs of the last finished epoch.
	LastTrainLogs, LastValidLogs Logs

	stopReason string

	// Registered hooks.
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch      *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:      trainer,
		SharedData:   make(map[string]any),
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpochStart: newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:      newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Stop requests the loop to stop after the current epoch. It's usually called by OnEpoch hooks,
// e.g. for early stopping. The remaining OnEpoch hooks of the epoch are still called.
func (loop *Loop) Stop(reason string) {
	if loop.stopReason == "" {
		loop.stopReason = reason
	}
}

// StopReason returns the reason given to Stop, or "" if the loop was not stopped.
func (loop *Loop) StopReason() string { return loop.stopReason }

// Stopped returns whether Stop was called.
func (loop *Loop) Stopped() bool { return loop.stopReason != "" }

// RunEpochs runs those many epochs, or until a hook calls Stop. The Epoch counter continues from
// previous runs, so it can be called multiple times.
//
// validLoader can be nil, in which case no validation is done and the OnEpoch hooks get empty validLogs.
//
// It returns an error if any epoch or hook fails, or if ctx is cancelled.
func (loop *Loop) RunEpochs(ctx context.Context, trainLoader, validLoader *datasets.DataLoader, epochs int) error {
	if epochs <= 0 {
		return nil
	}
	loop.stopReason = ""
	loop.StartEpoch = loop.Epoch + 1
	loop.EndEpoch = loop.Epoch + epochs
	loop.StepsPerEpoch = trainLoader.Len()
	loop.StartStep = loop.GlobalStep
	loop.EndStep = loop.GlobalStep + epochs*loop.StepsPerEpoch
	if err := loop.start(); err != nil {
		return err
	}
	for loop.Epoch = loop.StartEpoch; loop.Epoch <= loop.EndEpoch; loop.Epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "Loop.RunEpochs interrupted at epoch %d", loop.Epoch)
		}
		if err := loop.runEpoch(ctx, trainLoader, validLoader); err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(%d): epoch %d", epochs, loop.Epoch)
		}
		if loop.Stopped() {
			klog.V(1).Infof("Training stopped at epoch %d: %s", loop.Epoch, loop.stopReason)
			break
		}
	}
	if loop.Epoch > loop.EndEpoch {
		loop.Epoch = loop.EndEpoch
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (epoch=%d)", epochs, loop.Epoch)
	}
	return nil
}

// runEpoch trains and validates one epoch, and calls the hooks.
func (loop *Loop) runEpoch(ctx context.Context, trainLoader, validLoader *datasets.DataLoader) error {
	startTime := time.Now()
	trainLoader.SetEpoch(loop.Epoch)
	if validLoader != nil {
		validLoader.SetEpoch(loop.Epoch)
	}
	for hook := range loop.onEpochStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	}

	trainLogs, err := loop.Trainer.TrainEpoch(ctx, trainLoader, loop.step)
	if err != nil {
		return err
	}
	validLogs := make(Logs)
	if validLoader != nil {
		if validLogs, err = loop.Trainer.EvalEpoch(ctx, validLoader); err != nil {
			return errors.WithMessage(err, "validation")
		}
	}
	loop.EpochDurations = append(loop.EpochDurations, time.Since(startTime))

	for hook := range loop.onEpoch.All() {
		if err := hook.fn(loop, trainLogs, validLogs); err != nil {
			return errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	}
	loop.LastTrainLogs, loop.LastValidLogs = trainLogs, validLogs
	return nil
}

// step is called by the Trainer after each training batch.
func (loop *Loop) step(batchLoss float64) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, batchLoss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	loop.GlobalStep++
	return nil
}

// start of loop, called by RunEpochs.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop, called by RunEpochs.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// MedianEpochDuration returns the median duration of the epochs. It returns 1 millisecond
// if no epoch was recorded (to avoid potential division by 0).
func (loop *Loop) MedianEpochDuration() time.Duration {
	if len(loop.EpochDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.EpochDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name (for error reporting), called before
// training each epoch.
func (loop *Loop) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	loop.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting), called after each training batch.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting), called at the end of each epoch.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
