package checkpoints

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ConfigFileName is the name of the configuration snapshot written next to
// the checkpoints of a run.
const ConfigFileName = "config.yaml"

// Store persists one checkpoint per completed epoch.
type Store interface {
	// List returns the epochs that have a stored checkpoint, in no
	// particular order.
	List(ctx context.Context) ([]int, error)
	// Load returns the checkpoint for epoch, ErrNotFound if there is none
	// and ErrCorruptState if it cannot be decoded.
	Load(ctx context.Context, epoch int) (*Checkpoint, error)
	// Save writes the checkpoint for ck.Epoch, replacing any existing one.
	Save(ctx context.Context, ck *Checkpoint) error
	// SaveConfig writes the configuration snapshot unless one already
	// exists. It reports whether a new snapshot was written.
	SaveConfig(ctx context.Context, snapshot []byte) (bool, error)
	// Location describes where the checkpoint for epoch lives.
	Location(epoch int) string
}

// FindLatest returns the highest stored epoch. Gaps are tolerated; ok is
// false when the store holds no checkpoint.
func FindLatest(ctx context.Context, store Store) (epoch int, ok bool, err error) {
	epochs, err := store.List(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to list checkpoints")
	}
	for _, e := range epochs {
		if e > epoch {
			epoch = e
		}
	}
	return epoch, epoch > 0, nil
}

// knownFormats lists every format a store may find on disk or in a bucket.
var knownFormats = []CheckpointFormat{FormatJSON, FormatBinary}

// epochIndex collects the epochs of a listing. A checkpoint written in a
// different format means the run was started with another codec; it is an
// error rather than an empty store, so a resume never restarts from scratch.
type epochIndex struct {
	format CheckpointFormat
	epochs []int
}

func (ix *epochIndex) add(name string) error {
	if epoch, ok := parseCheckpointName(name, ix.format); ok {
		ix.epochs = append(ix.epochs, epoch)
		return nil
	}
	for _, other := range knownFormats {
		if other == ix.format {
			continue
		}
		if _, ok := parseCheckpointName(name, other); ok {
			return errors.Wrapf(ErrCorruptState, "found %s checkpoint %q but the store is configured for %s",
				other, name, ix.format)
		}
	}
	return nil
}

func checkpointName(epoch int, format CheckpointFormat) string {
	return strconv.Itoa(epoch) + format.Extension()
}

// parseCheckpointName extracts the epoch from a "<epoch><ext>" name. Names
// that do not follow the pattern are ignored.
func parseCheckpointName(name string, format CheckpointFormat) (int, bool) {
	ext := format.Extension()
	if !strings.HasSuffix(name, ext) {
		return 0, false
	}
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return 0, false
	}
	for _, r := range stem {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	epoch, err := strconv.Atoi(stem)
	if err != nil || epoch < 1 {
		return 0, false
	}
	return epoch, true
}

func validateLoaded(ck *Checkpoint, epoch int) error {
	if ck.Epoch != epoch {
		return errors.Wrapf(ErrCorruptState, "checkpoint for epoch %d records epoch %d", epoch, ck.Epoch)
	}
	if len(ck.Weights) == 0 {
		return errors.Wrapf(ErrCorruptState, "checkpoint for epoch %d has no weights", epoch)
	}
	for _, w := range ck.Weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if len(w.Shape) == 0 || n != len(w.Data) {
			return errors.Wrapf(ErrCorruptState, "weight %q has shape %v but %d values", w.Name, w.Shape, len(w.Data))
		}
	}
	return nil
}
