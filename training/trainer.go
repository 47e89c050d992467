package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/device"
	"github.com/tsawler/go-finetune/optimizer"
)

// EarlyStopPatience is the number of consecutive non-improving epochs
// tolerated; the run stops once the counter exceeds it.
const EarlyStopPatience = 5

// StopReason records why a run ended
type StopReason int

const (
	StopConverged StopReason = iota // all configured epochs completed
	StopEarly                       // validation loss stopped improving
	StopCanceled                    // context canceled at an epoch boundary
	StopFailed                      // fatal error
)

func (r StopReason) String() string {
	switch r {
	case StopConverged:
		return "converged"
	case StopEarly:
		return "early-stop"
	case StopCanceled:
		return "canceled"
	case StopFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EpochRecord holds the outcome of one completed epoch
type EpochRecord struct {
	Epoch          int // 1-based
	Train          EpochMetrics
	Val            EpochMetrics
	LearningRate   float64 // learning rate after the scheduler step
	Improved       bool
	CheckpointPath string // set when a numbered checkpoint was written
	Duration       time.Duration
}

// Result summarises a finished run
type Result struct {
	Model            Model
	StopReason       StopReason
	Epochs           int // completed epochs
	BestValLoss      float64
	EarlyStopCounter int
	History          []EpochRecord
	LearningRate     float64
	Scaler           GradScalerStats
}

// Option configures a Trainer
type Option func(*Trainer)

// WithLogger routes run logs to l
func WithLogger(l *log.Logger) Option {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithProgress renders a per-batch progress bar to w
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) {
		t.progress = w
	}
}

// WithScaler replaces the scaler derived from Config.MixedPrecision
func WithScaler(s *GradScaler) Option {
	return func(t *Trainer) {
		t.scaler = s
	}
}

// Trainer runs the epoch loop: train, evaluate, schedule the learning rate,
// checkpoint improvements and stop early once validation loss stalls.
type Trainer struct {
	config   Config
	store    CheckpointStore
	device   *device.Device
	logger   *log.Logger
	progress io.Writer
	scaler   *GradScaler
}

// NewTrainer validates config and prepares a trainer. A nil dev is resolved
// from config.Device.
func NewTrainer(config Config, store CheckpointStore, dev *device.Device, opts ...Option) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.Wrap(ErrConfiguration, "checkpoint store is required")
	}
	if dev == nil {
		var err error
		if dev, err = device.Resolve(config.Device); err != nil {
			return nil, err
		}
	}

	t := &Trainer{
		config: config,
		store:  store,
		device: dev,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// run holds the mutable state of one call to Run
type run struct {
	model     Model
	opt       optimizer.Optimizer
	loss      *CrossEntropyLoss
	scaler    *GradScaler
	scheduler *ReduceLROnPlateauScheduler
	sink      TelemetrySink

	best    float64
	counter int
	epochs  int
	history []EpochRecord
}

// Run trains model for up to Config.Epochs epochs. The "latest" checkpoint
// is written before the first epoch and again on every exit, including
// fatal errors; the returned error is then a *RunError.
func (t *Trainer) Run(ctx context.Context, model Model, train, val Loader, sink TelemetrySink) (*Result, error) {
	if model == nil || train == nil || val == nil {
		return nil, &RunError{Phase: PhaseSetup, Err: errors.Wrap(ErrConfiguration, "model and loaders are required")}
	}
	if sink == nil {
		sink = nopSink{}
	}

	r := &run{model: model, sink: sink, best: math.Inf(1)}

	if err := t.setup(r); err != nil {
		return t.finish(r, StopFailed, &RunError{Phase: PhaseSetup, Err: err})
	}

	if err := sink.AddText("Remark", t.config.Remarks(), 0); err != nil {
		t.logger.Printf("telemetry: %v", err)
	}

	if _, err := t.store.SaveLatest(t.snapshot(r, 0, false, r.best, r.counter)); err != nil {
		return t.finish(r, StopFailed, &RunError{Phase: PhaseCheckpoint, Err: err})
	}

	t.logger.Printf("Starting training for %d epochs on %s", t.config.Epochs, t.device)

	runner := NewEpochRunner(t.device)
	runner.SetProgress(t.progress)

	for i := 0; i < t.config.Epochs; i++ {
		epoch := i + 1
		if err := ctx.Err(); err != nil {
			t.logger.Printf("Stopping before epoch %d: %v", epoch, err)
			return t.finish(r, StopCanceled, &RunError{Epoch: epoch, Phase: PhaseTrain, Err: err})
		}

		start := time.Now()
		runner.SetLabel(fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs))

		trainMetrics, err := t.pass(ctx, runner, r, train, Train)
		if err != nil {
			return t.finish(r, StopFailed, &RunError{Epoch: epoch, Phase: PhaseTrain, Err: err})
		}

		valMetrics, err := t.pass(ctx, runner, r, val, Eval)
		if err != nil {
			return t.finish(r, StopFailed, &RunError{Epoch: epoch, Phase: PhaseEval, Err: err})
		}

		oldLR := r.opt.GetLR()
		if lr := r.scheduler.Step(valMetrics.Loss, oldLR); lr != oldLR {
			r.opt.SetLR(lr)
			t.logger.Printf("Epoch %d: reducing learning rate from %g to %g", epoch, oldLR, lr)
		}

		record := EpochRecord{
			Epoch:        epoch,
			Train:        trainMetrics,
			Val:          valMetrics,
			LearningRate: r.opt.GetLR(),
		}

		if valMetrics.Loss <= r.best {
			// The improving loss becomes the best only once the write succeeded
			path, err := t.store.SaveEpoch(t.snapshot(r, epoch, true, valMetrics.Loss, 0))
			if err != nil {
				return t.finish(r, StopFailed, &RunError{Epoch: epoch, Phase: PhaseCheckpoint, Err: err})
			}
			r.best = valMetrics.Loss
			r.counter = 0
			record.Improved = true
			record.CheckpointPath = path
		} else {
			r.counter++
		}

		t.report(r, i, trainMetrics, valMetrics)

		record.Duration = time.Since(start)
		r.history = append(r.history, record)
		r.epochs = epoch

		t.logger.Printf("Epoch %d/%d: train loss=%.4f top1=%.2f%% top5=%.2f%% | val loss=%.4f top1=%.2f%% top5=%.2f%% | lr=%g best=%.4f stall=%d (%s)",
			epoch, t.config.Epochs,
			trainMetrics.Loss, trainMetrics.Top1, trainMetrics.Top5,
			valMetrics.Loss, valMetrics.Top1, valMetrics.Top5,
			record.LearningRate, r.best, r.counter, record.Duration.Round(time.Millisecond))

		if r.counter > EarlyStopPatience {
			t.logger.Printf("Early stopping after epoch %d: no improvement for %d epochs", epoch, r.counter)
			return t.finish(r, StopEarly, nil)
		}
	}

	return t.finish(r, StopConverged, nil)
}

func (t *Trainer) setup(r *run) error {
	params := r.model.Parameters()
	if len(params) == 0 {
		return errors.Wrap(ErrConfiguration, "model has no parameters")
	}

	var pretrained *checkpoints.Checkpoint
	if t.config.PretrainedPath != "" {
		cp, err := t.store.Load(t.config.PretrainedPath)
		if err != nil {
			return errors.Wrap(err, "load pretrained weights")
		}
		if err := checkpoints.LoadWeights(cp.Weights, params); err != nil {
			return errors.Wrapf(err, "load pretrained weights from %s", t.config.PretrainedPath)
		}
		t.logger.Printf("Loaded pretrained weights from %s", t.config.PretrainedPath)
		pretrained = cp
	}

	opt, err := optimizer.New(t.config.Optimizer, params, t.config.LearningRate, t.config.Momentum, t.config.WeightDecay)
	if err != nil {
		return errors.Wrap(ErrConfiguration, err.Error())
	}
	r.opt = opt

	if pretrained != nil && pretrained.OptimizerState != nil {
		if err := t.restoreOptimizer(opt, pretrained.OptimizerState); err != nil {
			return errors.Wrapf(err, "restore optimizer state from %s", t.config.PretrainedPath)
		}
	}

	if r.loss, err = NewCrossEntropyLoss(t.config.LabelSmoothing); err != nil {
		return err
	}

	r.scaler = t.scaler
	if r.scaler == nil {
		scalerConfig := DefaultGradScalerConfig()
		scalerConfig.Enabled = t.config.MixedPrecision
		if r.scaler, err = NewGradScaler(scalerConfig); err != nil {
			return err
		}
	}
	r.scaler.SetLogger(t.logger)

	r.scheduler = NewReduceLROnPlateauScheduler(t.config.PlateauFactor, t.config.PlateauPatience,
		t.config.PlateauThreshold, t.config.MinLR)
	return nil
}

// restoreOptimizer loads the moment buffers and step count of a checkpoint
// written by the same optimizer type. The configured hyperparameters stay in
// force; a checkpoint from another optimizer is ignored.
func (t *Trainer) restoreOptimizer(opt optimizer.Optimizer, saved *checkpoints.OptimizerState) error {
	current, err := opt.GetState()
	if err != nil {
		return err
	}
	if saved.Type != current.Type {
		t.logger.Printf("Ignoring %s optimizer state in %s: training with %s", saved.Type, t.config.PretrainedPath, current.Type)
		return nil
	}

	state := optimizer.FromCheckpoint(saved)
	state.Parameters = nil
	if steps, ok := saved.Parameters["step_count"]; ok {
		state.Parameters = map[string]float64{"step_count": steps}
	}
	if err := opt.LoadState(state); err != nil {
		return errors.Wrap(checkpoints.ErrIncompatible, err.Error())
	}
	t.logger.Printf("Restored %s optimizer state (%d buffers)", saved.Type, len(saved.StateData))
	return nil
}

// pass runs one epoch pass; the iterator is always closed. Cancellation
// of ctx is only observed between epochs, so the pass gets a context that
// keeps its values but is never canceled.
func (t *Trainer) pass(ctx context.Context, runner *EpochRunner, r *run, loader Loader, mode Mode) (EpochMetrics, error) {
	ctx = context.WithoutCancel(ctx)
	it, err := loader.Iterate(ctx, mode == Train)
	if err != nil {
		return EpochMetrics{}, errors.Wrapf(err, "open %s loader", mode)
	}

	var metrics EpochMetrics
	if mode == Train {
		metrics, err = runner.Run(ctx, r.model, it, r.opt, r.loss, r.scaler, Train)
	} else {
		metrics, err = runner.Run(ctx, r.model, it, nil, r.loss, nil, Eval)
	}

	if closeErr := it.Close(); closeErr != nil && err == nil {
		err = errors.Wrapf(closeErr, "close %s loader", mode)
	}
	return metrics, err
}

// report sends and flushes the epoch's six scalars keyed by the 0-based epoch index
func (t *Trainer) report(r *run, step int, train, val EpochMetrics) {
	scalars := []struct {
		tag        string
		train, val float64
	}{
		{"loss", train.Loss, val.Loss},
		{"top1", train.Top1, val.Top1},
		{"top5", train.Top5, val.Top5},
	}
	for _, s := range scalars {
		values := map[string]float64{Train.String(): s.train, Eval.String(): s.val}
		if err := r.sink.AddScalars(s.tag, values, step); err != nil {
			t.logger.Printf("telemetry: %v", err)
		}
	}
	if err := r.sink.Flush(); err != nil {
		t.logger.Printf("telemetry: %v", err)
	}
}

// snapshot captures the model, optimizer and progress for a checkpoint
func (t *Trainer) snapshot(r *run, epoch int, isBest bool, best float64, counter int) *checkpoints.Checkpoint {
	cp := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(r.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:            epoch,
			IsBest:           isBest,
			EarlyStopCounter: counter,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("epoch %d", epoch),
		},
	}

	if !math.IsInf(best, 1) {
		cp.TrainingState.BestLoss = &best
	}

	if r.opt != nil {
		cp.TrainingState.LearningRate = r.opt.GetLR()
		if state, err := r.opt.GetState(); err == nil {
			cp.OptimizerState = state.ToCheckpoint()
		} else {
			t.logger.Printf("checkpoint: optimizer state unavailable: %v", err)
		}
	}
	if r.scaler != nil {
		cp.TrainingState.LossScale = r.scaler.GetScale()
	}
	if s, ok := r.model.(interface{ Summary() string }); ok {
		cp.Metadata.Architecture = s.Summary()
	}
	return cp
}

// finish writes the latest checkpoint, flushes telemetry and builds the result.
// A fatal runErr is kept even when the final write also fails.
func (t *Trainer) finish(r *run, reason StopReason, runErr *RunError) (*Result, error) {
	if _, err := t.store.SaveLatest(t.snapshot(r, r.epochs, false, r.best, r.counter)); err != nil {
		if runErr == nil {
			runErr = &RunError{Epoch: r.epochs, Phase: PhaseCheckpoint, Err: err}
			reason = StopFailed
		} else {
			t.logger.Printf("checkpoint: could not write latest checkpoint after failure: %v", err)
		}
	}

	if err := r.sink.Flush(); err != nil {
		t.logger.Printf("telemetry: %v", err)
	}

	result := &Result{
		Model:            r.model,
		StopReason:       reason,
		Epochs:           r.epochs,
		BestValLoss:      r.best,
		EarlyStopCounter: r.counter,
		History:          r.history,
	}
	if r.opt != nil {
		result.LearningRate = r.opt.GetLR()
	}
	if r.scaler != nil {
		result.Scaler = r.scaler.Stats()
	}

	if runErr != nil {
		t.logger.Printf("Training stopped (%s): %v", reason, runErr)
		return result, runErr
	}
	t.logger.Printf("Training finished (%s) after %d epochs, best val loss %.4f", reason, r.epochs, r.best)
	return result, nil
}

type nopSink struct{}

func (nopSink) AddScalars(string, map[string]float64, int) error { return nil }
func (nopSink) AddText(string, string, int) error                { return nil }
func (nopSink) Flush() error                                     { return nil }
