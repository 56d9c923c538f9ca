// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the training configuration: a nested set of settings read from a YAML file
// and overridden by command-line flags and "-set" settings.
//
// Example:
//
//	conf, err := config.ReadFromDir(".", "base_config.yaml")
//	if err != nil { ... }
//	conf.ApplyFlags(flags)
//	if _, err = conf.ApplySettings(*flagSettings); err != nil { ... }
//	conf.Finalize()
//	if err = conf.Validate(); err != nil { ... }
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// ErrNotFound is returned (wrapped) by Load when the configuration file doesn't exist.
var ErrNotFound = errors.New("config file not found")

// DefaultDir is the directory, relative to the working directory, where configuration files are searched.
const DefaultDir = "configs"

// DefaultModelName is the base name of the best model checkpoint, when no tracking run name is available.
const DefaultModelName = "tsc_acf"

// Config holds all the settings of a training run.
type Config struct {
	// Device where training happens. Only "cpu" is supported, it's set by Finalize.
	Device string `yaml:"device"`

	// LoadWeights is the path to a checkpoint to load before training. Empty to start from scratch.
	LoadWeights string `yaml:"load_weights"`

	// UseTracking enables experiment tracking of the configuration and per-epoch metrics.
	UseTracking bool `yaml:"use_tracking"`

	// TrackingDir is the root directory of the tracking runs.
	TrackingDir string `yaml:"tracking_dir"`

	// Project groups tracking runs.
	Project string `yaml:"project"`

	// ModelPath is the directory where checkpoints are saved.
	ModelPath string `yaml:"model_path"`

	// ModelName is the base name of the best checkpoint, used when tracking is disabled.
	ModelName string `yaml:"model_name"`

	// Seed for all random number generators.
	Seed int64 `yaml:"seed"`

	Env         EnvConfig         `yaml:"env"`
	Train       TrainConfig       `yaml:"train"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	LRScheduler LRSchedulerConfig `yaml:"lr_scheduler"`
	DataLoader  DataLoaderConfig  `yaml:"dataloader"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Model       ModelConfig       `yaml:"model"`
}

// EnvConfig describes the process group for data-parallel training.
type EnvConfig struct {
	WorldSize int `yaml:"world_size"`

	// UseDataParallel is computed by Finalize: world_size > 1.
	UseDataParallel bool `yaml:"use_data_parallel"`

	MasterAddr string `yaml:"master_addr"`
	StorePort  int    `yaml:"store_port"`
}

// TrainConfig configures the epoch loop.
type TrainConfig struct {
	Loss              string `yaml:"loss"`
	BatchSize         int    `yaml:"batch_size"`
	MaxNumberOfEpochs int    `yaml:"max_number_of_epochs"`

	// BackupFrequency in epochs: a backup checkpoint is saved every BackupFrequency epochs.
	BackupFrequency int `yaml:"backup_frequency"`

	// EarlyStoppingPatience is the number of epochs without improvement of the validation loss
	// after which training stops. 0 disables early stopping.
	EarlyStoppingPatience int `yaml:"early_stopping_patience"`

	// MinTrainLoss stops training once the training loss of an epoch is below it. 0 disables it.
	MinTrainLoss float64 `yaml:"min_train_loss"`

	// Metrics reported besides the loss, e.g. "accuracy", "mae".
	Metrics []string `yaml:"metrics"`
}

// OptimizerConfig selects and configures the optimizer.
type OptimizerConfig struct {
	Name        string  `yaml:"name"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Epsilon     float64 `yaml:"epsilon"`
}

// LRSchedulerConfig selects the learning rate schedule, stepped once per epoch.
type LRSchedulerConfig struct {
	// Name is one of "step", "cosine" or "none".
	Name string `yaml:"name"`

	// StepSize is the decay period of "step", and the cycle length of "cosine".
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`

	// MinLR and WarmUpEpochs are only used by "cosine".
	MinLR        float64 `yaml:"min_lr"`
	WarmUpEpochs int     `yaml:"warmup_epochs"`
}

// DataLoaderConfig configures batching.
type DataLoaderConfig struct {
	NumWorkers int  `yaml:"num_workers"`
	DropLast   bool `yaml:"drop_last"`
}

// DatasetConfig selects and configures the dataset.
type DatasetConfig struct {
	Name        string   `yaml:"name"`
	Path        string   `yaml:"path"`
	Features    []string `yaml:"features"`
	Label       string   `yaml:"label"`
	NumExamples int      `yaml:"num_examples"`
	NumFeatures int      `yaml:"num_features"`
	NumClasses  int      `yaml:"num_classes"`
	Noise       float64  `yaml:"noise"`

	// AugmentNoise is the standard deviation of gaussian noise added to the training features.
	// 0 disables augmentation.
	AugmentNoise float64 `yaml:"augment_noise"`

	// ValidFraction of the examples used for validation. If 0 there is no validation, and the
	// training loss selects the best model.
	ValidFraction float64 `yaml:"valid_fraction"`
	TestFraction  float64 `yaml:"test_fraction"`
}

// ModelConfig selects and configures the model.
type ModelConfig struct {
	Name        string `yaml:"name"`
	HiddenUnits int    `yaml:"hidden_units"`
}

// Default returns a configuration with all default values.
func Default() *Config {
	return &Config{
		Device:      "cpu",
		TrackingDir: "~/.trainkit/runs",
		Project:     "trainkit",
		ModelPath:   "~/.trainkit/trained_models",
		ModelName:   DefaultModelName,
		Seed:        42,
		Env: EnvConfig{
			WorldSize:  1,
			MasterAddr: "127.0.0.1",
			StorePort:  29500,
		},
		Train: TrainConfig{
			Loss:              "MSELoss",
			BatchSize:         32,
			MaxNumberOfEpochs: 10,
			BackupFrequency:   5,
			MinTrainLoss:      1e-4,
		},
		Optimizer: OptimizerConfig{
			Name:    "adam",
			LR:      1e-3,
			Beta1:   0.9,
			Beta2:   0.999,
			Epsilon: 1e-8,
		},
		LRScheduler: LRSchedulerConfig{
			Name:     "step",
			StepSize: 10,
			Gamma:    0.1,
		},
		DataLoader: DataLoaderConfig{NumWorkers: 2},
		Dataset: DatasetConfig{
			Name:          "synthetic",
			NumExamples:   512,
			NumFeatures:   4,
			Noise:         0.01,
			ValidFraction: 0.2,
		},
		Model: ModelConfig{
			Name:        "linear",
			HiddenUnits: 16,
		},
	}
}

// Load reads the YAML configuration file at path over the default values.
//
// If the file doesn't exist it returns an error for which errors.Is(err, ErrNotFound) is true.
func Load(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "%q", path)
		}
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	conf := Default()
	if err = conf.decode(contents); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse configuration file %q", path)
	}
	klog.V(1).Infof("Loaded configuration from %q", path)
	return conf, nil
}

// ReadFromDir loads the configuration file name from the "configs" subdirectory of dir.
func ReadFromDir(dir, name string) (*Config, error) {
	return Load(filepath.Join(dir, DefaultDir, name))
}

// decode YAML contents into conf, failing on unknown fields.
func (conf *Config) decode(contents []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	err := dec.Decode(conf)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "failed to decode YAML")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (conf *Config) Clone() *Config {
	c := *conf
	c.Train.Metrics = append([]string(nil), conf.Train.Metrics...)
	c.Dataset.Features = append([]string(nil), conf.Dataset.Features...)
	return &c
}

// Flags holds the command-line overrides of the configuration file.
type Flags struct {
	// LR overrides optimizer.lr if > 0.
	LR float64

	// LoadWeights overrides load_weights if not empty.
	LoadWeights string

	// BatchSize always overrides train.batch_size. Its flag default is 32.
	BatchSize int
}

// ApplyFlags overrides the configuration with the command-line flags.
func (conf *Config) ApplyFlags(f Flags) {
	if f.LR > 0 {
		conf.Optimizer.LR = f.LR
	}
	if f.LoadWeights != "" {
		conf.LoadWeights = f.LoadWeights
	}
	if f.BatchSize > 0 {
		conf.Train.BatchSize = f.BatchSize
	}
}

// Finalize sets the derived values: the device and whether data-parallel training is used.
func (conf *Config) Finalize() {
	conf.Device = "cpu"
	if conf.Env.WorldSize < 1 {
		conf.Env.WorldSize = 1
	}
	conf.Env.UseDataParallel = conf.Env.WorldSize > 1
}

// Validate returns an error describing the first invalid setting.
func (conf *Config) Validate() error {
	switch {
	case conf.Train.BatchSize <= 0:
		return errors.Errorf("train/batch_size must be > 0, got %d", conf.Train.BatchSize)
	case conf.Train.MaxNumberOfEpochs <= 0:
		return errors.Errorf("train/max_number_of_epochs must be > 0, got %d", conf.Train.MaxNumberOfEpochs)
	case conf.Train.BackupFrequency <= 0:
		return errors.Errorf("train/backup_frequency must be > 0, got %d", conf.Train.BackupFrequency)
	case conf.Train.EarlyStoppingPatience < 0:
		return errors.Errorf("train/early_stopping_patience must be >= 0, got %d", conf.Train.EarlyStoppingPatience)
	case conf.Train.MinTrainLoss < 0:
		return errors.Errorf("train/min_train_loss must be >= 0, got %g", conf.Train.MinTrainLoss)
	case conf.Env.WorldSize < 1:
		return errors.Errorf("env/world_size must be >= 1, got %d", conf.Env.WorldSize)
	case conf.Optimizer.LR <= 0:
		return errors.Errorf("optimizer/lr must be > 0, got %g", conf.Optimizer.LR)
	case conf.DataLoader.NumWorkers < 0:
		return errors.Errorf("dataloader/num_workers must be >= 0, got %d", conf.DataLoader.NumWorkers)
	case conf.Dataset.ValidFraction < 0 || conf.Dataset.TestFraction < 0 ||
		conf.Dataset.ValidFraction+conf.Dataset.TestFraction >= 1:
		return errors.Errorf("dataset/valid_fraction (%g) and dataset/test_fraction (%g) must be >= 0 and sum to less than 1",
			conf.Dataset.ValidFraction, conf.Dataset.TestFraction)
	}
	return nil
}

// String returns the configuration as YAML.
func (conf *Config) String() string {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return "<failed to marshal config: " + err.Error() + ">"
	}
	return string(out)
}
