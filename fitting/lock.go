package fitting

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/binzume/dressfit/mmd"
	"github.com/gofrs/flock"
)

const (
	lockFileName = ".dressfit.lock"
	lockRetry    = 50 * time.Millisecond
)

// outputLock serializes writers sharing an output directory.
// The OS drops the lock when the holding process exits.
type outputLock struct {
	fl *flock.Flock
}

func acquireLock(ctx context.Context, dir string) (*outputLock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	if _, err := fl.TryLockContext(ctx, lockRetry); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, &OutputPathInvalidError{Path: dir, Err: err}
	}
	return &outputLock{fl: fl}, nil
}

func (l *outputLock) Release() {
	l.fl.Unlock()
}

func copyFile(src, dst string) error {
	if si, err := os.Stat(src); err != nil {
		return err
	} else if di, err := os.Stat(dst); err == nil && os.SameFile(si, di) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// writeFileAtomic writes doc to a temporary file next to path and renames it into place.
func writeFileAtomic(path string, doc *mmd.Document) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := mmd.WritePMX(doc, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
