package checkpoints

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileStore keeps checkpoints as "<epoch><ext>" files in a directory.
type FileStore struct {
	dir   string
	codec Codec
}

func NewFileStore(dir string, codec Codec) *FileStore {
	return &FileStore{dir: dir, codec: codec}
}

func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) Location(epoch int) string {
	return filepath.Join(fs.dir, checkpointName(epoch, fs.codec.Format()))
}

func (fs *FileStore) List(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint directory %s", fs.dir)
	}
	index := epochIndex{format: fs.codec.Format()}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := index.add(entry.Name()); err != nil {
			return nil, errors.Wrapf(err, "checkpoint directory %s", fs.dir)
		}
	}
	return index.epochs, nil
}

func (fs *FileStore) Load(ctx context.Context, epoch int) (*Checkpoint, error) {
	path := fs.Location(epoch)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "epoch %d at %s", epoch, path)
		}
		return nil, errors.Wrapf(err, "failed to open checkpoint file %s", path)
	}
	defer file.Close()

	ck, err := fs.codec.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	if err := validateLoaded(ck, epoch); err != nil {
		return nil, err
	}
	return ck, nil
}

func (fs *FileStore) Save(ctx context.Context, ck *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ensureDirectory(fs.dir); err != nil {
		return err
	}
	ck.fillMetadata()

	var buf bytes.Buffer
	if err := fs.codec.Encode(&buf, ck); err != nil {
		return err
	}
	return writeFileAtomic(fs.Location(ck.Epoch), buf.Bytes())
}

func (fs *FileStore) SaveConfig(ctx context.Context, snapshot []byte) (bool, error) {
	if err := ensureDirectory(fs.dir); err != nil {
		return false, err
	}
	path := filepath.Join(fs.dir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "failed to stat %s", path)
	}
	if err := writeFileAtomic(path, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary checkpoint file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temporary checkpoint file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temporary checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary checkpoint file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into %s", path)
	}
	return nil
}
