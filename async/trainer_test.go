package async

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/device"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/training"
)

// cancelingModel cancels the run from inside its first forward pass.
type cancelingModel struct {
	*layers.Sequential
	cancel  context.CancelFunc
	forward int
}

func (m *cancelingModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	m.forward++
	if m.forward == 1 {
		m.cancel()
	}
	return m.Sequential.Forward(input)
}

func TestTrainerFinishesEpochOnCancel(t *testing.T) {
	ds, err := Blobs(48, 4, 3, 0.5, 7)
	if err != nil {
		t.Fatal(err)
	}
	trainSet, valSet, err := ds.Split(0.75, 7)
	if err != nil {
		t.Fatal(err)
	}
	config := DataLoaderConfig{BatchSize: 4, Workers: 2, PrefetchDepth: 1, Seed: 7}
	trainLoader, _ := NewDataLoader(trainSet, config)
	valLoader, _ := NewDataLoader(valSet, config)

	spec, err := layers.NewModelBuilder([]int{4, 4}).AddDense(3, true, "classifier").Compile()
	if err != nil {
		t.Fatal(err)
	}
	seq, err := layers.Build(spec, 7)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	store, err := checkpoints.NewStore(dir, checkpoints.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := device.Resolve("cpu")
	if err != nil {
		t.Fatal(err)
	}
	trainer, err := training.NewTrainer(training.Config{
		BatchSize:        4,
		LearningRate:     0.05,
		Momentum:         0.9,
		OutputDir:        dir,
		Epochs:           5,
		Device:           "cpu",
		PlateauFactor:    0.1,
		PlateauPatience:  10,
		PlateauThreshold: 1e-4,
	}, store, dev, training.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &cancelingModel{Sequential: seq, cancel: cancel}

	result, err := trainer.Run(ctx, model, trainLoader, valLoader, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var runErr *training.RunError
	if !errors.As(err, &runErr) || runErr.Epoch != 2 {
		t.Errorf("expected the stop before epoch 2, got %v", err)
	}
	if result.StopReason != training.StopCanceled || result.Epochs != 1 {
		t.Fatalf("expected a canceled stop after one full epoch, got %s after %d", result.StopReason, result.Epochs)
	}

	// the interrupted epoch ran every batch of both passes
	if model.forward != trainLoader.Len()+valLoader.Len() {
		t.Errorf("forward ran %d times, want %d", model.forward, trainLoader.Len()+valLoader.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoint_0001.json")); err != nil {
		t.Errorf("expected the first epoch's checkpoint: %v", err)
	}
	latest, err := store.Load(store.LatestPath())
	if err != nil {
		t.Fatal(err)
	}
	if latest.TrainingState.Epoch != 1 {
		t.Errorf("latest checkpoint at epoch %d, want 1", latest.TrainingState.Epoch)
	}
	if got := trainLoader.Stats().ActiveIterators + valLoader.Stats().ActiveIterators; got != 0 {
		t.Errorf("%d iterators left open", got)
	}
}
