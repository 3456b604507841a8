package acquire

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// FileSink writes bundles to the local filesystem.
// Data goes to a temporary file in the destination directory which is
// renamed into place only after a successful flush and fsync, so a failed
// or interrupted write never leaves a truncated file under the final name.
type FileSink struct {
	Perm os.FileMode
}

// NewFileSink creates a sink writing files with mode 0644
func NewFileSink() *FileSink {
	return &FileSink{Perm: 0o644}
}

// Write persists b at path
func (s *FileSink) Write(ctx context.Context, path string, b Bundle) (err error) {
	if err := ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "write not started"), ErrStorage)
	}

	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "create temp file for %s", path), ErrStorage)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if _, err = b.WriteTo(bw); err != nil {
		return errors.Mark(errors.Wrapf(err, "write %s", path), ErrStorage)
	}
	if err = bw.Flush(); err != nil {
		return errors.Mark(errors.Wrapf(err, "flush %s", path), ErrStorage)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Mark(errors.Wrapf(err, "sync %s", path), ErrStorage)
	}
	if err = tmp.Close(); err != nil {
		return errors.Mark(errors.Wrapf(err, "close %s", path), ErrStorage)
	}
	perm := s.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return errors.Mark(errors.Wrapf(err, "chmod %s", path), ErrStorage)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Mark(errors.Wrapf(err, "rename into %s", path), ErrStorage)
	}
	return nil
}
