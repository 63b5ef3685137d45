package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func grayImage(size int, value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img
}

// buildTree writes a two-class dataset: "covid" slices are white, "normal"
// slices are black.
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for split, n := range map[string]int{SplitTrain: 3, SplitVal: 1} {
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(root, split, "covid", string(rune('a'+i))+".png"), grayImage(16, 255))
			writePNG(t, filepath.Join(root, split, "normal", string(rune('a'+i))+".png"), grayImage(16, 0))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, SplitTrain, "covid", "notes.txt"), []byte("x"), 0o644))
	return root
}

func TestOpenIndexesClassesBySortedName(t *testing.T) {
	root := buildTree(t)
	ds, err := Open(Options{Root: root, Split: SplitTrain, ImageSize: 8, Channels: 1})
	require.NoError(t, err)

	assert.Equal(t, 6, ds.Len())
	assert.Equal(t, []string{"covid", "normal"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"covid": 3, "normal": 3}, ds.ClassDistribution())
	assert.Contains(t, ds.String(), "CTDataset[train]: 6 samples, 2 classes")

	x, label, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8}, x.Shape)
	assert.Equal(t, int32(0), label)
	assert.InDelta(t, 1.0, x.Data[0], 1e-6)

	x, label, err = ds.Get(5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), label)
	assert.InDelta(t, 0.0, x.Data[10], 1e-6)

	_, _, err = ds.Get(6)
	assert.Error(t, err)
}

func TestValSplitSharesTrainLabels(t *testing.T) {
	root := buildTree(t)
	ds, err := Open(Options{Root: root, Split: SplitVal, ImageSize: 4, Channels: 1, NumClasses: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	_, label, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), label)

	writePNG(t, filepath.Join(root, SplitVal, "other", "a.png"), grayImage(4, 9))
	_, err = Open(Options{Root: root, Split: SplitVal, ImageSize: 4, Channels: 1})
	assert.True(t, errors.Is(err, ErrUnknownClass))
}

func TestOpenRejectsClassCountMismatch(t *testing.T) {
	root := buildTree(t)
	_, err := Open(Options{Root: root, Split: SplitTrain, ImageSize: 4, Channels: 1, NumClasses: 3})
	assert.Error(t, err)
}

func TestOpenRejectsEmptySplit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, SplitTrain, "covid"), 0o755))
	_, err := Open(Options{Root: root, Split: SplitTrain, ImageSize: 4, Channels: 1})
	assert.True(t, errors.Is(err, ErrNoImages))
}

func TestGetUsesCache(t *testing.T) {
	root := buildTree(t)
	cache := NewCacheManager(16)
	ds, err := Open(Options{Root: root, Split: SplitTrain, ImageSize: 4, Channels: 1, Cache: cache})
	require.NoError(t, err)

	first, _, err := ds.Get(2)
	require.NoError(t, err)
	first.Data[0] = 42

	second, _, err := ds.Get(2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, second.Data[0], 1e-6)

	stats := ds.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestRGBDecode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "red.png")
	writePNG(t, path, img)

	p, err := NewImageProcessor(4, 3)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := p.DecodeAndPreprocess(f)
	require.NoError(t, err)
	require.Len(t, data, 3*16)
	assert.InDelta(t, 1.0, data[0], 1e-6)
	assert.InDelta(t, 0.0, data[16], 1e-6)
	assert.InDelta(t, 0.0, data[32], 1e-6)
}

func TestNewImageProcessorValidates(t *testing.T) {
	_, err := NewImageProcessor(0, 1)
	assert.Error(t, err)
	_, err = NewImageProcessor(8, 2)
	assert.Error(t, err)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewCacheManager(2)
	cache.Put("a", []float32{1})
	cache.Put("b", []float32{2})
	_, ok := cache.Get("a")
	require.True(t, ok)
	cache.Put("c", []float32{3})

	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Stats().Size)

	cache.Clear()
	assert.Equal(t, 0, cache.Stats().Size)
	assert.Contains(t, cache.Stats().String(), "Cache: 0/2 items")
}

func TestDisabledCacheNeverStores(t *testing.T) {
	cache := NewCacheManager(0)
	cache.Put("a", []float32{1})
	_, ok := cache.Get("a")
	assert.False(t, ok)
}
