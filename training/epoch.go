package training

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-finetune/device"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/tensor"
)

// EpochMetrics holds the batch-averaged results of one pass.
// Top1 and Top5 are percentages. Confusion is only filled by Eval passes.
type EpochMetrics struct {
	Loss      float64          `json:"loss"`
	Top1      float64          `json:"top1"`
	Top5      float64          `json:"top5"`
	Confusion *ConfusionMatrix `json:"confusion,omitempty"`
}

// EpochRunner performs a single pass over a batch iterator in train or eval mode.
type EpochRunner struct {
	device   *device.Device
	progress io.Writer
	label    string
}

// NewEpochRunner creates a runner that moves every batch onto dev.
// A nil dev uses batches where they are.
func NewEpochRunner(dev *device.Device) *EpochRunner {
	return &EpochRunner{device: dev}
}

// SetProgress enables a per-batch progress bar written to w; nil disables it.
func (r *EpochRunner) SetProgress(w io.Writer) {
	r.progress = w
}

// SetLabel sets the prefix shown on the progress bar, e.g. "Epoch 3".
func (r *EpochRunner) SetLabel(label string) {
	r.label = label
}

// sized is implemented by iterators that know how many batches they will yield
type sized interface {
	Len() int
}

// Run consumes batches once. In Train mode every batch updates the model
// through opt, with the loss gradient seeded through scaler. In Eval mode
// opt and scaler are ignored and no parameter changes. ctx is checked once
// before the pass starts; a started pass always runs to completion.
func (r *EpochRunner) Run(ctx context.Context, model Model, batches BatchIterator, opt optimizer.Optimizer,
	loss Loss, scaler *GradScaler, mode Mode) (EpochMetrics, error) {

	if mode != Train && mode != Eval {
		return EpochMetrics{}, errors.Wrapf(ErrMode, "mode %d", int(mode))
	}
	if mode == Train && opt == nil {
		return EpochMetrics{}, errors.Wrap(ErrConfiguration, "training pass requires an optimizer")
	}
	if model == nil || batches == nil || loss == nil {
		return EpochMetrics{}, errors.Wrap(ErrConfiguration, "model, batches and loss are required")
	}
	if err := ctx.Err(); err != nil {
		return EpochMetrics{}, err
	}

	var bar *ProgressBar
	if r.progress != nil {
		total := 0
		if s, ok := batches.(sized); ok {
			total = s.Len()
		}
		bar = NewProgressBar(r.progress, fmt.Sprintf("%s %s", r.label, mode), total)
	}

	model.SetMode(mode)

	var losses, top1s, top5s []float64
	var confusion *ConfusionMatrix
	for i := 0; ; i++ {
		batch, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EpochMetrics{}, errors.Wrapf(err, "batch %d", i)
		}

		input := batch.Input
		if r.device != nil {
			if input, err = r.device.Transfer(batch.Input); err != nil {
				return EpochMetrics{}, errors.Wrapf(err, "batch %d", i)
			}
		}

		if mode == Train {
			opt.ZeroGrad()
		}

		output, err := model.Forward(input)
		if err != nil {
			return EpochMetrics{}, errors.Wrapf(err, "batch %d forward", i)
		}

		lossValue, err := loss.Forward(output, batch.Labels)
		if err != nil {
			return EpochMetrics{}, errors.Wrapf(err, "batch %d loss", i)
		}

		// Models with fewer than five classes report top-C as top-5
		k5 := 5
		if output.Dim() == 2 && output.Shape[1] < k5 {
			k5 = output.Shape[1]
		}
		acc, err := TopKAccuracy(output, batch.Labels, 1, k5)
		if err != nil {
			return EpochMetrics{}, errors.Wrapf(err, "batch %d accuracy", i)
		}

		if mode == Eval && output.Dim() == 2 {
			if confusion == nil {
				confusion = NewConfusionMatrix(output.Shape[1])
			}
			if err := confusion.Update(output, batch.Labels); err != nil {
				return EpochMetrics{}, errors.Wrapf(err, "batch %d confusion", i)
			}
		}

		if mode == Train {
			if err := r.update(model, output, batch.Labels, opt, loss, scaler); err != nil {
				return EpochMetrics{}, errors.Wrapf(err, "batch %d update", i)
			}
		}

		losses = append(losses, lossValue)
		top1s = append(top1s, acc[1])
		top5s = append(top5s, acc[k5])

		if bar != nil {
			n := float64(len(losses))
			bar.Update(len(losses), map[string]float64{
				"loss": floats.Sum(losses) / n,
				"top1": floats.Sum(top1s) / n,
				"top5": floats.Sum(top5s) / n,
			})
		}
	}

	if len(losses) == 0 {
		return EpochMetrics{}, errors.Wrapf(ErrEmptyLoader, "%s pass", mode)
	}
	if bar != nil {
		bar.Finish()
	}

	n := float64(len(losses))
	return EpochMetrics{
		Loss:      floats.Sum(losses) / n,
		Top1:      floats.Sum(top1s) / n,
		Top5:      floats.Sum(top5s) / n,
		Confusion: confusion,
	}, nil
}

func (r *EpochRunner) update(model Model, output *tensor.Tensor, labels []int32, opt optimizer.Optimizer,
	loss Loss, scaler *GradScaler) error {

	grad, err := loss.Backward(output, labels)
	if err != nil {
		return err
	}
	if scaler != nil {
		scaler.ScaleGradient(grad)
	}
	if err := model.Backward(grad); err != nil {
		return errors.Wrap(err, "backward")
	}

	if scaler == nil {
		return opt.Step()
	}
	if err := scaler.Step(opt); err != nil {
		return err
	}
	scaler.Update()
	return nil
}
