package training

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/ct-classifier/amp"
	"github.com/tsawler/ct-classifier/dataloader"
	"github.com/tsawler/ct-classifier/layers"
	"github.com/tsawler/ct-classifier/optimizer"
	"github.com/tsawler/ct-classifier/tensor"
)

// blobDataset is a linearly separable two-class set of 4-feature samples.
type blobDataset struct {
	n int
}

func (d blobDataset) Len() int { return d.n }

func (d blobDataset) Get(i int) (*tensor.Tensor, int32, error) {
	label := int32(i % 2)
	sign := float32(1)
	if label == 1 {
		sign = -1
	}
	data := []float32{
		sign * (1 + 0.05*float32(i%5)),
		sign * 0.5,
		0.1 * float32(i%3),
		-sign * 0.2,
	}
	x, err := tensor.New([]int{4}, data)
	return x, label, err
}

func newLoader(t *testing.T, n, batchSize int, seed int64) *dataloader.DataLoader {
	t.Helper()
	dl, err := dataloader.New(blobDataset{n: n}, dataloader.Options{
		BatchSize:  batchSize,
		Shuffle:    true,
		NumWorkers: 2,
		Seed:       seed,
	})
	require.NoError(t, err)
	t.Cleanup(dl.Close)
	return dl
}

func newModel(t *testing.T, seed int64, hidden int) *layers.Sequential {
	t.Helper()
	tensor.SetSeed(seed)
	l1, err := layers.NewLinear(4, hidden, true)
	require.NoError(t, err)
	l2, err := layers.NewLinear(hidden, 2, true)
	require.NoError(t, err)
	return layers.NewSequential(l1, layers.NewReLU(), l2)
}

func newSGD(t *testing.T, m layers.Module, momentum float32) *optimizer.SGD {
	t.Helper()
	opt, err := optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{
		LearningRate: 0.1,
		Momentum:     momentum,
		WeightDecay:  1e-4,
	})
	require.NoError(t, err)
	return opt
}

func newScaler(t *testing.T, enabled bool) *amp.GradScaler {
	t.Helper()
	s, err := amp.NewGradScaler(amp.DefaultConfig(enabled))
	require.NoError(t, err)
	return s
}

func snapshot(params []*tensor.Tensor) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = append([]float32(nil), p.Data...)
	}
	return out
}

// emptySource never yields a batch.
type emptySource struct{}

func (emptySource) Len() int                         { return 0 }
func (emptySource) SetEpoch(int) error               { return nil }
func (emptySource) Next() (*dataloader.Batch, error) { return nil, nil }
