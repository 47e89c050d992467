package async

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/training"
)

// ErrClosed is returned by Next after the iterator has been closed.
var ErrClosed = errors.New("batch iterator closed")

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	BatchSize     int   // Size of each batch
	Workers       int   // Number of background workers (default: 2)
	PrefetchDepth int   // Batches assembled ahead of the consumer (default: 2*Workers)
	DropLast      bool  // Drop a trailing partial batch
	Seed          int64 // Base seed for per-epoch shuffling
}

// DataLoader batches a Dataset in the background. Every call to Iterate
// starts a new epoch; with shuffling enabled the sample order depends only
// on the seed and the epoch number.
type DataLoader struct {
	dataset *Dataset
	config  DataLoaderConfig

	epoch int64 // incremented by Iterate

	batchesProduced uint64
	activeIterators int64
}

// NewDataLoader creates a loader over dataset.
func NewDataLoader(dataset *Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	// Set defaults
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2 * config.Workers
	}

	return &DataLoader{dataset: dataset, config: config}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

func (dl *DataLoader) Dataset() *Dataset {
	return dl.dataset
}

// Order returns the sample order used for the given 0-based epoch.
func (dl *DataLoader) Order(epoch int64, shuffle bool) []int {
	if shuffle {
		return rand.New(rand.NewSource(dl.config.Seed + epoch)).Perm(dl.dataset.Len())
	}
	order := make([]int, dl.dataset.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// Iterate starts the workers for one pass. The caller must Close the
// returned iterator; canceling ctx also stops the workers.
func (dl *DataLoader) Iterate(ctx context.Context, shuffle bool) (training.BatchIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	epoch := atomic.AddInt64(&dl.epoch, 1) - 1
	order := dl.Order(epoch, shuffle)

	n := dl.Len()
	if n == 0 {
		return nil, errors.Wrapf(training.ErrEmptyLoader, "dataset of %d samples yields no batch of %d", dl.dataset.Len(), dl.config.BatchSize)
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		loader: dl,
		order:  order,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan int),
		tokens: make(chan struct{}, dl.config.PrefetchDepth),
		slots:  make([]chan result, n),
	}
	for i := range it.slots {
		it.slots[i] = make(chan result, 1)
	}

	atomic.AddInt64(&dl.activeIterators, 1)
	it.wg.Add(1 + dl.config.Workers)
	go it.dispatch()
	for i := 0; i < dl.config.Workers; i++ {
		go it.worker()
	}
	return it, nil
}

// Stats returns statistics about the data loader
func (dl *DataLoader) Stats() DataLoaderStats {
	return DataLoaderStats{
		Epochs:          int(atomic.LoadInt64(&dl.epoch)),
		BatchesProduced: atomic.LoadUint64(&dl.batchesProduced),
		ActiveIterators: int(atomic.LoadInt64(&dl.activeIterators)),
		Workers:         dl.config.Workers,
		PrefetchDepth:   dl.config.PrefetchDepth,
	}
}

// DataLoaderStats provides statistics about the data loader
type DataLoaderStats struct {
	Epochs          int
	BatchesProduced uint64
	ActiveIterators int
	Workers         int
	PrefetchDepth   int
}

type result struct {
	batch *training.Batch
	err   error
}

// Iterator yields the batches of one epoch in order while workers assemble
// the following ones.
type Iterator struct {
	loader *DataLoader
	order  []int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs   chan int
	tokens chan struct{} // one per batch in flight
	slots  []chan result

	next      int
	closeOnce sync.Once
	closed    bool
}

// Len returns the number of batches in this pass
func (it *Iterator) Len() int {
	return len(it.slots)
}

// Next blocks until the next batch is ready and returns io.EOF after the last.
func (it *Iterator) Next() (*training.Batch, error) {
	if it.closed {
		return nil, ErrClosed
	}
	if it.next >= len(it.slots) {
		return nil, io.EOF
	}

	select {
	case r := <-it.slots[it.next]:
		it.next++
		<-it.tokens
		return r.batch, r.err
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit. It is safe to call
// more than once.
func (it *Iterator) Close() error {
	it.closeOnce.Do(func() {
		it.closed = true
		it.cancel()
		it.wg.Wait()
		atomic.AddInt64(&it.loader.activeIterators, -1)
	})
	return nil
}

// dispatch hands out batch indices, never running more than PrefetchDepth
// batches ahead of the consumer.
func (it *Iterator) dispatch() {
	defer it.wg.Done()
	defer close(it.jobs)

	for i := range it.slots {
		select {
		case it.tokens <- struct{}{}:
		case <-it.ctx.Done():
			return
		}
		select {
		case it.jobs <- i:
		case <-it.ctx.Done():
			return
		}
	}
}

func (it *Iterator) worker() {
	defer it.wg.Done()

	for i := range it.jobs {
		batch, err := it.prepareBatch(i)
		if err != nil {
			err = errors.Wrapf(err, "prepare batch %d", i)
		} else {
			atomic.AddUint64(&it.loader.batchesProduced, 1)
		}
		// slot channels have room for exactly one result
		it.slots[i] <- result{batch: batch, err: err}
	}
}

// prepareBatch copies the samples of batch i into a fresh [N, shape...] tensor.
func (it *Iterator) prepareBatch(i int) (*training.Batch, error) {
	ds := it.loader.dataset
	bs := it.loader.config.BatchSize

	start := i * bs
	end := start + bs
	if end > len(it.order) {
		end = len(it.order)
	}
	indices := it.order[start:end]

	data := make([]float32, len(indices)*ds.size)
	labels := make([]int32, len(indices))
	for j, idx := range indices {
		s := ds.samples[idx]
		copy(data[j*ds.size:(j+1)*ds.size], s.Features)
		labels[j] = s.Label
	}

	input, err := tensor.New(append([]int{len(indices)}, ds.shape...), data)
	if err != nil {
		return nil, err
	}
	return &training.Batch{Input: input, Labels: labels}, nil
}
