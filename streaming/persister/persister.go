// Package persister owns every byte that reaches disk. Synchronous helpers
// cover small metadata files; log files get a dedicated writer task that
// owns the file handle exclusively.
package persister

import (
	"os"

	"github.com/pkg/errors"
)

// Persister is the small capability set the storage layer needs for
// metadata files. Implementations must be safe for concurrent use.
type Persister interface {
	Append(path string, b []byte) error
	Overwrite(path string, b []byte) error
	Delete(path string) error
	ReadAll(path string) ([]byte, error)
}

// FilePersister writes straight to the filesystem.
type FilePersister struct {
	// Fsync syncs after every write when set.
	Fsync bool
}

func (p *FilePersister) Append(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s for append", path)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return errors.Wrapf(err, "append to %s", path)
	}
	if p.Fsync {
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", path)
		}
	}
	return nil
}

func (p *FilePersister) Overwrite(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s for overwrite", path)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return errors.Wrapf(err, "overwrite %s", path)
	}
	if p.Fsync {
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", path)
		}
	}
	return nil
}

func (p *FilePersister) Delete(path string) error {
	return os.Remove(path)
}

func (p *FilePersister) ReadAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}
