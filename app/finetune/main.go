// Command finetune trains a dense classifier on CSV, image folder or
// generated data with plateau scheduling, early stopping and checkpointing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/async"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/device"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/telemetry"
	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/dataset"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "finetune: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(stderr, "finetune: ", log.LstdFlags)
	for _, line := range strings.Split(strings.TrimRight(cfg.Remarks(), "\n"), "\n") {
		logger.Print(line)
	}

	dev, err := device.Resolve(cfg.Device)
	if err != nil {
		return err
	}
	logger.Printf("Using device %s", dev)

	trainSet, valSet, err := loadData(ctx, opts)
	if err != nil {
		return err
	}
	logger.Printf("Loaded %d training and %d validation samples", trainSet.Len(), valSet.Len())

	model, err := buildModel(opts, trainSet, valSet)
	if err != nil {
		return err
	}
	logger.Printf("Model:\n%s", model.Summary())

	trainLoader, err := async.NewDataLoader(trainSet, async.DataLoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return errors.Wrap(err, "training loader")
	}
	valLoader, err := async.NewDataLoader(valSet, async.DataLoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return errors.Wrap(err, "validation loader")
	}

	format, err := checkpoints.ParseFormat(opts.Format)
	if err != nil {
		return errors.Wrap(training.ErrConfiguration, err.Error())
	}
	store, err := checkpoints.NewStore(cfg.OutputDir, format)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(cfg.OutputDir, "config.json"), cfg); err != nil {
		logger.Printf("could not record configuration: %v", err)
	}

	recorder := telemetry.NewRecorder(filepath.Base(cfg.OutputDir))
	sinks := telemetry.Multi{recorder}

	eventsPath := opts.EventsPath
	if eventsPath == "" {
		eventsPath = filepath.Join(cfg.OutputDir, "events.jsonl")
	}
	fileSink, err := telemetry.NewFileSink(eventsPath, store.RunID())
	if err != nil {
		return err
	}
	defer fileSink.Close()
	sinks = append(sinks, fileSink)

	var collector *telemetry.HTTPSink
	if opts.CollectorURL != "" {
		hc := telemetry.DefaultHTTPConfig()
		hc.BaseURL = opts.CollectorURL
		hc.RunID = store.RunID()
		if collector, err = telemetry.NewHTTPSink(hc); err != nil {
			return err
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := collector.CheckHealth(hctx); err != nil {
			logger.Printf("telemetry collector not reachable, events may be dropped: %v", err)
		}
		cancel()
		sinks = append(sinks, collector)
	}

	trainerOpts := []training.Option{training.WithLogger(logger)}
	if opts.Progress {
		trainerOpts = append(trainerOpts, training.WithProgress(stderr))
	}
	trainer, err := training.NewTrainer(cfg, store, dev, trainerOpts...)
	if err != nil {
		return err
	}

	logger.Printf("Run %s writing to %s", store.RunID(), store.Dir())
	result, runErr := trainer.Run(ctx, model, trainLoader, valLoader, sinks)

	publishPlots(ctx, logger, recorder, collector, cfg.OutputDir)

	if result != nil {
		fmt.Fprintf(stdout, "run:            %s\n", store.RunID())
		fmt.Fprintf(stdout, "stopped:        %s\n", result.StopReason)
		fmt.Fprintf(stdout, "epochs:         %d\n", result.Epochs)
		fmt.Fprintf(stdout, "best val loss:  %.4f\n", result.BestValLoss)
		fmt.Fprintf(stdout, "learning rate:  %g\n", result.LearningRate)
		fmt.Fprintf(stdout, "checkpoint:     %s\n", store.LatestPath())
		if cfg.MixedPrecision {
			fmt.Fprintf(stdout, "skipped steps:  %d (loss scale %g)\n", result.Scaler.SkippedSteps, result.Scaler.Scale)
		}
		if n := len(result.History); n > 0 && result.History[n-1].Val.Confusion != nil {
			cm := result.History[n-1].Val.Confusion
			fmt.Fprintf(stdout, "val macro F1:   %.4f (precision %.4f, recall %.4f)\n",
				cm.GetMetric(training.MacroF1), cm.GetMetric(training.MacroPrecision), cm.GetMetric(training.MacroRecall))
			if err := writeJSON(filepath.Join(cfg.OutputDir, "confusion.json"), cm); err != nil {
				logger.Printf("could not record confusion matrix: %v", err)
			}
		}
	}
	return runErr
}

// loadData returns the training and validation sets. Without a validation
// path the training data is split by opts.ValSplit.
func loadData(ctx context.Context, opts *options) (*async.Dataset, *async.Dataset, error) {
	cfg := opts.Config

	var all *async.Dataset
	var classes []string
	var err error
	switch {
	case opts.Synthetic:
		all, err = async.Blobs(opts.Samples, opts.Features, opts.Classes, 0.5, cfg.Seed)
	case opts.LabelsPath != "":
		all, classes, err = loadLabelled(ctx, opts)
	case isDir(cfg.TrainDataPath):
		all, classes, err = loadImages(ctx, opts, cfg.TrainDataPath, nil)
	default:
		all, err = async.LoadCSV(cfg.TrainDataPath, nil)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "training data")
	}

	if opts.Synthetic || cfg.ValDataPath == "" {
		train, val, err := all.Split(opts.ValSplit, cfg.Seed)
		if err != nil {
			return nil, nil, errors.Wrap(err, "split training data")
		}
		return train, val, nil
	}

	var val *async.Dataset
	if classes != nil {
		val, _, err = loadImages(ctx, opts, cfg.ValDataPath, classes)
	} else {
		val, err = async.LoadCSV(cfg.ValDataPath, all.Shape())
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation data")
	}
	return all, val, nil
}

// loadImages decodes an image folder. A non-nil classes pins the label of
// each class directory to its index in classes.
func loadImages(ctx context.Context, opts *options, root string, classes []string) (*async.Dataset, []string, error) {
	if opts.ImageSize <= 0 {
		return nil, nil, errors.Wrapf(training.ErrConfiguration, "image_size must be positive, got %d", opts.ImageSize)
	}
	folder, err := dataset.NewImageFolderDatasetWithClasses(root, classes, nil)
	if err != nil {
		return nil, nil, err
	}
	ds, err := folder.Load(ctx, opts.ImageSize, opts.Config.Workers)
	if err != nil {
		return nil, nil, err
	}
	return ds, folder.ClassNames(), nil
}

// loadLabelled decodes the images a labels file assigns to the classes
// listed in the classes file.
func loadLabelled(ctx context.Context, opts *options) (*async.Dataset, []string, error) {
	if opts.ClassesPath == "" {
		return nil, nil, errors.Wrap(training.ErrConfiguration, "training_labels_path requires classes_path")
	}
	if opts.ImageSize <= 0 {
		return nil, nil, errors.Wrapf(training.ErrConfiguration, "image_size must be positive, got %d", opts.ImageSize)
	}
	classes, err := dataset.ReadClassNames(opts.ClassesPath)
	if err != nil {
		return nil, nil, err
	}
	labelled, err := dataset.NewLabelFileDataset(opts.Config.TrainDataPath, classes, opts.LabelsPath)
	if err != nil {
		return nil, nil, err
	}
	ds, err := labelled.Load(ctx, opts.ImageSize, opts.Config.Workers)
	if err != nil {
		return nil, nil, err
	}
	return ds, classes, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// buildModel assembles hidden Dense+ReLU blocks, optional dropout and a
// classifier sized for every label seen in either dataset.
func buildModel(opts *options, trainSet, valSet *async.Dataset) (*layers.Sequential, error) {
	hidden, err := parseHidden(opts.Hidden)
	if err != nil {
		return nil, errors.Wrap(training.ErrConfiguration, err.Error())
	}
	classes := trainSet.NumClasses()
	if valSet.NumClasses() > classes {
		classes = valSet.NumClasses()
	}

	builder := layers.NewModelBuilder(append([]int{opts.Config.BatchSize}, trainSet.Shape()...))
	for i, size := range hidden {
		builder.AddDense(size, true, fmt.Sprintf("fc%d", i+1)).
			AddReLU(fmt.Sprintf("relu%d", i+1))
	}
	if opts.Dropout > 0 {
		builder.AddDropout(float32(opts.Dropout), "dropout")
	}
	builder.AddDense(classes, true, "classifier")

	spec, err := builder.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "compile model")
	}
	model, err := layers.Build(spec, opts.Config.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	model.SetHalfPrecision(opts.Config.MixedPrecision)
	return model, nil
}

// publishPlots writes the loss and accuracy curves next to the checkpoints
// and forwards them to the collector when one is configured.
func publishPlots(ctx context.Context, logger *log.Logger, recorder *telemetry.Recorder, collector *telemetry.HTTPSink, dir string) {
	for _, plot := range recorder.TrainingCurvesPlot() {
		if len(plot.Series) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.json", plot.PlotType))
		if err := writeJSON(path, plot); err != nil {
			logger.Printf("plot %s: %v", plot.PlotType, err)
		}
		if collector == nil {
			continue
		}
		resp, err := collector.SendPlot(ctx, plot)
		if err != nil {
			logger.Printf("plot %s: %v", plot.PlotType, err)
		} else if resp.ViewURL != "" {
			logger.Printf("plot %s available at %s", plot.PlotType, resp.ViewURL)
		}
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
