// Package dataset reads labelled CT slices laid out as
// <root>/<split>/<class>/<image> and serves them as input tensors.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/ct-classifier/config"
	"github.com/tsawler/ct-classifier/tensor"
)

const (
	SplitTrain = "train"
	SplitVal   = "val"
)

var (
	ErrNoImages     = errors.New("no images found")
	ErrUnknownClass = errors.New("class not present in training split")
)

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// Options describe one split of a dataset directory.
type Options struct {
	Root       string
	Split      string
	ImageSize  int
	Channels   int
	Cache      *CacheManager
	NumClasses int // when > 0 the discovered class count must match
}

// CTDataset is an indexable collection of (image, label) pairs. Class
// indices come from the sorted directory names of the train split so that
// every split agrees on them.
type CTDataset struct {
	split      string
	imagePaths []string
	labels     []int32
	classNames []string
	processor  *ImageProcessor
	cache      *CacheManager
}

// New opens the given split under cfg.DataRoot.
func New(cfg *config.Config, split string, cache *CacheManager) (*CTDataset, error) {
	return Open(Options{
		Root:       cfg.DataRoot,
		Split:      split,
		ImageSize:  cfg.ImageSize,
		Channels:   cfg.InChannels,
		Cache:      cache,
		NumClasses: cfg.NumClasses,
	})
}

// Open scans the split directory and prepares the image processor.
func Open(opts Options) (*CTDataset, error) {
	processor, err := NewImageProcessor(opts.ImageSize, opts.Channels)
	if err != nil {
		return nil, err
	}
	classes, err := ClassNames(opts.Root)
	if err != nil {
		return nil, err
	}
	if opts.NumClasses > 0 && len(classes) != opts.NumClasses {
		return nil, fmt.Errorf("found %d classes in %s, configured num_classes is %d",
			len(classes), filepath.Join(opts.Root, SplitTrain), opts.NumClasses)
	}

	ds := &CTDataset{
		split:      opts.Split,
		classNames: classes,
		processor:  processor,
		cache:      opts.Cache,
	}
	if ds.cache == nil {
		ds.cache = NewCacheManager(0)
	}

	classToIdx := make(map[string]int32, len(classes))
	for i, name := range classes {
		classToIdx[name] = int32(i)
	}

	splitDir := filepath.Join(opts.Root, opts.Split)
	present, err := listDirs(splitDir)
	if err != nil {
		return nil, err
	}
	for _, className := range present {
		label, ok := classToIdx[className]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownClass, "%s/%s", opts.Split, className)
		}
		files, err := listImages(filepath.Join(splitDir, className))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			ds.imagePaths = append(ds.imagePaths, file)
			ds.labels = append(ds.labels, label)
		}
	}

	if len(ds.imagePaths) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "in %s", splitDir)
	}
	return ds, nil
}

// ClassNames returns the sorted class directory names of the train split.
func ClassNames(root string) ([]string, error) {
	classes, err := listDirs(filepath.Join(root, SplitTrain))
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "no class directories in %s", filepath.Join(root, SplitTrain))
	}
	return classes, nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, allowed := range imageExtensions {
			if ext == allowed {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Len returns the number of items in the dataset
func (d *CTDataset) Len() int {
	return len(d.imagePaths)
}

// Get decodes the image at index into a [C, H, W] tensor and returns its
// label. Decoded pixels are cached; the returned tensor owns its data.
func (d *CTDataset) Get(index int) (*tensor.Tensor, int32, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	path := d.imagePaths[index]

	pixels, ok := d.cache.Get(path)
	if !ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open %s: %v", path, err)
		}
		pixels, err = d.processor.DecodeAndPreprocess(f)
		f.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %v", path, err)
		}
		d.cache.Put(path, pixels)
	}

	data := make([]float32, len(pixels))
	copy(data, pixels)
	t, err := tensor.New(d.processor.Shape(), data)
	if err != nil {
		return nil, 0, err
	}
	return t, d.labels[index], nil
}

// Path returns the file backing index.
func (d *CTDataset) Path(index int) string {
	return d.imagePaths[index]
}

func (d *CTDataset) Split() string {
	return d.split
}

// NumClasses returns the number of classes
func (d *CTDataset) NumClasses() int {
	return len(d.classNames)
}

func (d *CTDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of samples per class
func (d *CTDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// CacheStats reports the shared decode cache.
func (d *CTDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

func (d *CTDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CTDataset[%s]: %d samples, %d classes\n", d.split, len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}
