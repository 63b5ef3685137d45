package device

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/ct-classifier/tensor"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestResolveCPU(t *testing.T) {
	var buf bytes.Buffer
	d, err := Resolve(" CPU ", testLogger(&buf))
	require.NoError(t, err)
	assert.Equal(t, CPU, d.Name)
	assert.False(t, d.FellBack())
	assert.GreaterOrEqual(t, d.Threads, 1)
	assert.Equal(t, d.Threads, tensor.NumThreads())
	assert.Empty(t, buf.String())
}

func TestResolveFallsBackForAccelerators(t *testing.T) {
	for _, name := range []string{"cuda", "cuda:1", "mps", "gpu"} {
		var buf bytes.Buffer
		d, err := Resolve(name, testLogger(&buf))
		require.NoError(t, err, name)
		assert.Equal(t, CPU, d.Name)
		assert.Equal(t, name, d.Requested)
		assert.True(t, d.FellBack())
		assert.Contains(t, buf.String(), "falling back to CPU")
	}
}

func TestResolveRejectsUnknown(t *testing.T) {
	for _, name := range []string{"tpu", "cuda:x", ""} {
		_, err := Resolve(name, testLogger(&bytes.Buffer{}))
		assert.True(t, errors.Is(err, ErrUnknownDevice), name)
	}
}

func TestTransferAndSynchronize(t *testing.T) {
	d, err := Resolve("cpu", testLogger(&bytes.Buffer{}))
	require.NoError(t, err)
	x := tensor.Scalar(1)
	assert.Same(t, x, d.Transfer(x))
	d.Synchronize()
}

func TestHasAVX512AgreesWithFeatures(t *testing.T) {
	d, err := Resolve("cpu", testLogger(&bytes.Buffer{}))
	require.NoError(t, err)
	if HasAVX512() {
		assert.Contains(t, d.Features, "AVX512F")
		assert.Contains(t, d.Features, "AVX512DQ")
	} else {
		assert.False(t, contains(d.Features, "AVX512F") && contains(d.Features, "AVX512DQ"))
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
