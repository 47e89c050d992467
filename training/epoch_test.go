package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-finetune/device"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/tensor"
)

func cpu(t *testing.T) *device.Device {
	t.Helper()
	dev, err := device.Resolve("cpu")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return dev
}

func iterate(t *testing.T, l *sliceLoader) BatchIterator {
	t.Helper()
	it, err := l.Iterate(context.Background(), false)
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	return it
}

func TestEpochRunnerTrainingReducesLoss(t *testing.T) {
	model := newLinearModel(t, 4, 4)
	loader := &sliceLoader{batches: blobBatches(1, 8, 16, 4)}
	opt, err := optimizer.NewSGD(model.Parameters(), optimizer.SGDConfig{LearningRate: 0.5, Momentum: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	loss, _ := NewCrossEntropyLoss(0)
	scaler, _ := NewGradScaler(DefaultGradScalerConfig())
	runner := NewEpochRunner(cpu(t))

	first, err := runner.Run(context.Background(), model, iterate(t, loader), opt, loss, scaler, Train)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	var last EpochMetrics
	for i := 0; i < 5; i++ {
		if last, err = runner.Run(context.Background(), model, iterate(t, loader), opt, loss, scaler, Train); err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}

	if !(last.Loss < first.Loss) {
		t.Errorf("expected loss to decrease, first %.4f last %.4f", first.Loss, last.Loss)
	}
	if last.Top1 < 90 {
		t.Errorf("expected top-1 above 90%% on separable data, got %.2f", last.Top1)
	}
	if last.Top5 != 100 {
		t.Errorf("with 4 classes top-5 clamps to top-4 and must be 100, got %.2f", last.Top5)
	}
	if opt.GetStepCount() != 48 {
		t.Errorf("expected 48 optimizer steps, got %d", opt.GetStepCount())
	}
}

func TestEpochRunnerEvalIsDeterministic(t *testing.T) {
	model := newLinearModel(t, 3, 3)
	for i := range model.w.Value.Data {
		model.w.Value.Data[i] = float32(i%4) * 0.3
	}
	loader := &sliceLoader{batches: blobBatches(2, 4, 8, 3)}
	loss, _ := NewCrossEntropyLoss(0.1)
	runner := NewEpochRunner(cpu(t))

	before := tensor.Snapshot(model.Parameters())
	a, err := runner.Run(context.Background(), model, iterate(t, loader), nil, loss, nil, Eval)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	b, err := runner.Run(context.Background(), model, iterate(t, loader), nil, loss, nil, Eval)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}

	if a.Loss != b.Loss || a.Top1 != b.Top1 || a.Top5 != b.Top5 {
		t.Errorf("eval passes differ: %+v vs %+v", a, b)
	}
	if a.Confusion == nil || b.Confusion == nil || a.Confusion == b.Confusion {
		t.Fatal("each eval pass needs its own confusion matrix")
	}
	for i := range a.Confusion.Matrix {
		for j := range a.Confusion.Matrix[i] {
			if a.Confusion.Matrix[i][j] != b.Confusion.Matrix[i][j] {
				t.Fatalf("confusion matrices differ: %v vs %v", a.Confusion.Matrix, b.Confusion.Matrix)
			}
		}
	}
	for name, data := range tensor.Snapshot(model.Parameters()) {
		for i, v := range data {
			if v != before[name][i] {
				t.Fatalf("eval modified %s[%d]", name, i)
			}
		}
	}
	if model.mode != Eval {
		t.Error("model was not switched to eval mode")
	}
}

func TestEpochRunnerMetricBounds(t *testing.T) {
	model := newLinearModel(t, 6, 6)
	for i := range model.w.Value.Data {
		model.w.Value.Data[i] = float32(math.Sin(float64(i)))
	}
	loader := &sliceLoader{batches: blobBatches(3, 5, 7, 6)}
	loss, _ := NewCrossEntropyLoss(0)

	m, err := NewEpochRunner(cpu(t)).Run(context.Background(), model, iterate(t, loader), nil, loss, nil, Eval)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if m.Loss < 0 {
		t.Errorf("negative loss %f", m.Loss)
	}
	if m.Top1 < 0 || m.Top1 > 100 || m.Top5 < 0 || m.Top5 > 100 {
		t.Errorf("accuracy out of range: %+v", m)
	}
	if m.Top5 < m.Top1 {
		t.Errorf("top-5 %.2f below top-1 %.2f", m.Top5, m.Top1)
	}
	// equal batch sizes make the batch-averaged top-1 the overall accuracy
	if m.Confusion == nil || m.Confusion.TotalSamples != 35 {
		t.Fatalf("confusion = %+v", m.Confusion)
	}
	if acc := 100 * m.Confusion.GetAccuracy(); math.Abs(acc-m.Top1) > 1e-9 {
		t.Errorf("confusion accuracy %.4f, top-1 %.4f", acc, m.Top1)
	}
}

func TestEpochRunnerOverflowSkipsUpdate(t *testing.T) {
	model := newScriptedModel(t, 1.0)
	model.param.Value.Data[0] = 3
	model.gradValue = float32(math.Inf(1))

	opt, err := optimizer.NewSGD(model.Parameters(), optimizer.SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	loss, _ := NewCrossEntropyLoss(0)
	scaler, _ := NewGradScaler(DefaultGradScalerConfig())
	before := model.param.Value.Clone()

	loader := &sliceLoader{batches: constantBatches(1, 4)}
	if _, err := NewEpochRunner(cpu(t)).Run(context.Background(), model, iterate(t, loader), opt, loss, scaler, Train); err != nil {
		t.Fatalf("overflow must not fail the pass: %v", err)
	}

	if !model.param.Value.Equal(before) {
		t.Errorf("parameters changed: %v -> %v", before.Data, model.param.Value.Data)
	}
	if scaler.GetScale() != 32768 {
		t.Errorf("expected halved scale 32768, got %g", scaler.GetScale())
	}
}

func TestEpochRunnerErrors(t *testing.T) {
	model := newLinearModel(t, 1, 2)
	loss, _ := NewCrossEntropyLoss(0)
	runner := NewEpochRunner(cpu(t))
	ctx := context.Background()

	full := &sliceLoader{batches: constantBatches(2, 2)}
	empty := &sliceLoader{}

	if _, err := runner.Run(ctx, model, iterate(t, full), nil, loss, nil, Mode(7)); !errors.Is(err, ErrMode) {
		t.Errorf("expected ErrMode, got %v", err)
	}
	if _, err := runner.Run(ctx, model, iterate(t, full), nil, loss, nil, Train); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for training without an optimizer, got %v", err)
	}
	if _, err := runner.Run(ctx, model, iterate(t, empty), nil, loss, nil, Eval); !errors.Is(err, ErrEmptyLoader) {
		t.Errorf("expected ErrEmptyLoader, got %v", err)
	}

	bad := &sliceLoader{batches: []*Batch{{Input: tensor.MustZeros(2, 1), Labels: []int32{0, 9}}}}
	if _, err := runner.Run(ctx, model, iterate(t, bad), nil, loss, nil, Eval); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for an out-of-range label, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := runner.Run(canceled, model, iterate(t, full), nil, loss, nil, Eval); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEpochRunnerProgress(t *testing.T) {
	var buf bytes.Buffer
	runner := NewEpochRunner(cpu(t))
	runner.SetProgress(&buf)
	runner.SetLabel("Epoch 1/1")

	loss, _ := NewCrossEntropyLoss(0)
	loader := &sliceLoader{batches: constantBatches(3, 2)}
	if _, err := runner.Run(context.Background(), newLinearModel(t, 1, 2), iterate(t, loader), nil, loss, nil, Eval); err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Epoch 1/1 val: 100%") || !strings.Contains(buf.String(), "3/3") {
		t.Errorf("unexpected progress output %q", buf.String())
	}
}
