// Package dataloader batches an indexable dataset, shuffles it per epoch
// and prefetches upcoming batches on a pool of worker goroutines.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/ct-classifier/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (input *tensor.Tensor, label int32, err error)
}

// Batch is a stacked group of samples. Inputs has shape [N, ...sample].
type Batch struct {
	Inputs  *tensor.Tensor
	Labels  []int32
	Indices []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

type Options struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int // 0 loads batches synchronously inside Next
	Seed       int64
	Prefetch   int // batches in flight; defaults to 2*NumWorkers
}

type result struct {
	batch *Batch
	err   error
}

// DataLoader delivers the batches of one epoch strictly in order. It is
// driven by a single consumer; only the prefetch workers run concurrently.
type DataLoader struct {
	dataset Dataset
	opts    Options

	epoch    int
	started  bool
	batches  [][]int
	position int

	// prefetch pipeline of the current epoch
	slots  []chan result
	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loader over dataset.
func New(dataset Dataset, opts Options) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.NumWorkers < 0 {
		return nil, fmt.Errorf("num workers must be non-negative, got %d", opts.NumWorkers)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2 * opts.NumWorkers
	}
	return &DataLoader{dataset: dataset, opts: opts}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.opts.BatchSize - 1) / dl.opts.BatchSize
}

// NumSamples returns the dataset size.
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Epoch returns the epoch set by the last SetEpoch call.
func (dl *DataLoader) Epoch() int {
	return dl.epoch
}

// SetEpoch rewinds the loader to the start of epoch. With shuffling enabled
// the sample order is a pure function of the seed and the epoch, so a
// resumed run sees the same order as an uninterrupted one.
func (dl *DataLoader) SetEpoch(epoch int) error {
	dl.stop()

	order := dl.Order(epoch)
	dl.batches = dl.batches[:0]
	for start := 0; start < len(order); start += dl.opts.BatchSize {
		end := start + dl.opts.BatchSize
		if end > len(order) {
			end = len(order)
		}
		dl.batches = append(dl.batches, order[start:end])
	}
	dl.epoch = epoch
	dl.position = 0
	dl.started = true

	if dl.opts.NumWorkers > 0 {
		dl.startPrefetch()
	}
	return nil
}

// Order returns the sample order used for epoch.
func (dl *DataLoader) Order(epoch int) []int {
	n := dl.dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if dl.opts.Shuffle {
		rng := rand.New(rand.NewSource(dl.opts.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

// Next returns the next batch or nil if the epoch is complete.
func (dl *DataLoader) Next() (*Batch, error) {
	if !dl.started {
		return nil, fmt.Errorf("SetEpoch must be called before Next")
	}
	if dl.position >= len(dl.batches) {
		return nil, nil
	}
	pos := dl.position
	dl.position++

	if dl.slots == nil {
		return dl.loadBatch(dl.batches[pos])
	}
	res := <-dl.slots[pos]
	<-dl.sem
	if res.err != nil {
		return nil, res.err
	}
	return res.batch, nil
}

// Close stops any prefetch workers.
func (dl *DataLoader) Close() {
	dl.stop()
	dl.started = false
}

func (dl *DataLoader) startPrefetch() {
	ctx, cancel := context.WithCancel(context.Background())
	dl.cancel = cancel
	dl.slots = make([]chan result, len(dl.batches))
	for i := range dl.slots {
		dl.slots[i] = make(chan result, 1)
	}
	dl.sem = make(chan struct{}, dl.opts.Prefetch)
	jobs := make(chan int)

	dl.wg.Add(1)
	go func() {
		defer dl.wg.Done()
		defer close(jobs)
		for i := range dl.batches {
			select {
			case dl.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	batches, slots := dl.batches, dl.slots
	for w := 0; w < dl.opts.NumWorkers; w++ {
		dl.wg.Add(1)
		go func() {
			defer dl.wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				b, err := dl.loadBatch(batches[i])
				slots[i] <- result{batch: b, err: err}
			}
		}()
	}
}

func (dl *DataLoader) stop() {
	if dl.cancel != nil {
		dl.cancel()
		dl.wg.Wait()
		dl.cancel = nil
	}
	dl.slots = nil
	dl.sem = nil
	// a fresh slice so workers of a cancelled epoch never see new indices
	dl.batches = nil
}

// loadBatch reads the samples at indices and stacks them into one batch.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	inputs := make([]*tensor.Tensor, len(indices))
	labels := make([]int32, len(indices))
	for i, idx := range indices {
		x, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		inputs[i] = x
		labels[i] = label
	}
	stacked, err := tensor.Stack(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch: %v", err)
	}
	return &Batch{
		Inputs:  stacked,
		Labels:  labels,
		Indices: append([]int(nil), indices...),
	}, nil
}
