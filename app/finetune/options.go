package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/training"
)

// DefaultConfig returns the settings used when neither a config file nor a
// flag overrides them.
func DefaultConfig() training.Config {
	return training.Config{
		TrainDataPath:  "data/train.csv",
		BatchSize:      8,
		Workers:        16,
		Optimizer:      "sgd",
		LearningRate:   2e-4,
		WeightDecay:    1e-4,
		Momentum:       0.9,
		LabelSmoothing: 0.2,
		OutputDir:      "model/model_test",
		Epochs:         100,
		Device:         "cpu",

		PlateauFactor:    0.1,
		PlateauPatience:  10,
		PlateauThreshold: 1e-4,
		MinLR:            0,

		Seed: 1,
	}
}

// options are the command line settings: the training configuration plus
// what the CLI itself needs to assemble the pipeline.
type options struct {
	Config training.Config

	ConfigPath   string
	Format       string
	Hidden       string
	Dropout      float64
	ValSplit     float64
	EventsPath   string
	CollectorURL string
	Progress     bool
	ImageSize    int
	ClassesPath  string
	LabelsPath   string

	Synthetic bool
	Samples   int
	Features  int
	Classes   int
}

func defaultOptions() options {
	return options{
		Config:    DefaultConfig(),
		Format:    "json",
		Hidden:    "128",
		ValSplit:  0.8,
		Progress:  true,
		ImageSize: 32,
		Samples:   600,
		Features:  16,
		Classes:   10,
	}
}

func newFlagSet(o *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("finetune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &o.Config

	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "JSON file with training settings; flags override it")
	fs.StringVar(&c.TrainDataPath, "data_path", c.TrainDataPath, "training CSV (label, features...) or image folder with one directory per class")
	fs.StringVar(&c.ValDataPath, "val_path", c.ValDataPath, "validation CSV or image folder; when empty the training data is split")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "samples per batch")
	fs.IntVar(&c.Workers, "workers", c.Workers, "background batch workers")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "optimizer: sgd or adam")
	fs.Float64Var(&c.LearningRate, "lr", c.LearningRate, "initial learning rate")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "L2 weight decay")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "SGD momentum")
	fs.Float64Var(&c.LabelSmoothing, "label_smooth", c.LabelSmoothing, "label smoothing factor")
	fs.StringVar(&c.PretrainedPath, "pretrain_model_path", c.PretrainedPath, "checkpoint to initialise weights from")
	fs.StringVar(&c.OutputDir, "output_folder", c.OutputDir, "directory for checkpoints and telemetry")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "maximum number of epochs")
	fs.StringVar(&c.Device, "device", c.Device, "compute device")
	fs.BoolVar(&c.MixedPrecision, "mixed_precision", c.MixedPrecision, "half-precision activations with loss scaling")
	fs.Float64Var(&c.PlateauFactor, "plateau_factor", c.PlateauFactor, "learning rate reduction factor")
	fs.IntVar(&c.PlateauPatience, "plateau_patience", c.PlateauPatience, "epochs without improvement before reducing the learning rate")
	fs.Float64Var(&c.PlateauThreshold, "plateau_threshold", c.PlateauThreshold, "relative improvement threshold")
	fs.Float64Var(&c.MinLR, "min_lr", c.MinLR, "learning rate floor")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "seed for weights, shuffling and splits")

	fs.StringVar(&o.Format, "format", o.Format, "checkpoint format: json or binary")
	fs.StringVar(&o.Hidden, "hidden", o.Hidden, "comma separated hidden layer sizes")
	fs.Float64Var(&o.Dropout, "dropout", o.Dropout, "dropout rate before the classifier")
	fs.Float64Var(&o.ValSplit, "split", o.ValSplit, "training fraction when splitting one dataset")
	fs.StringVar(&o.EventsPath, "events", o.EventsPath, "JSON Lines telemetry file (default <output_folder>/events.jsonl)")
	fs.StringVar(&o.CollectorURL, "collector", o.CollectorURL, "base URL of an HTTP telemetry collector")
	fs.BoolVar(&o.Progress, "progress", o.Progress, "show per-batch progress bars")
	fs.IntVar(&o.ImageSize, "image_size", o.ImageSize, "side length images are resized to")
	fs.StringVar(&o.ClassesPath, "classes_path", o.ClassesPath, "class names, one per line, for a labels file")
	fs.StringVar(&o.LabelsPath, "training_labels_path", o.LabelsPath, "lines of \"<image> <class>\" naming the images in data_path")

	fs.BoolVar(&o.Synthetic, "synthetic", o.Synthetic, "train on generated Gaussian clusters instead of data_path")
	fs.IntVar(&o.Samples, "samples", o.Samples, "synthetic sample count")
	fs.IntVar(&o.Features, "features", o.Features, "synthetic feature count")
	fs.IntVar(&o.Classes, "classes", o.Classes, "synthetic class count")
	return fs
}

// parseArgs applies, in order, the defaults, the -config file and the flags.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	o := defaultOptions()
	if err := newFlagSet(&o, stderr).Parse(args); err != nil {
		return nil, err
	}
	if o.ConfigPath == "" {
		return &o, nil
	}

	path := o.ConfigPath
	o = defaultOptions()
	if err := loadConfigFile(path, &o.Config); err != nil {
		return nil, err
	}
	// second pass so explicit flags win over the file
	if err := newFlagSet(&o, stderr).Parse(args); err != nil {
		return nil, err
	}
	return &o, nil
}

func loadConfigFile(path string, c *training.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func parseHidden(s string) ([]int, error) {
	var sizes []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid hidden layer size %q", field)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}
