package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	lockFileName       = ".lock"
	checkpointFileName = "checkpoint.json"
)

var (
	ErrTransferLocked = errors.New("transfer is locked by another engine")
	ErrNoCheckpoint   = errors.New("no checkpoint")
)

// WorkDir is the local working directory of one transfer. It holds the lock marker and
// the checkpoint.
type WorkDir struct {
	fs   afero.Fs
	path string
}

func NewWorkDir(fs afero.Fs, root, transferID string) *WorkDir {
	return &WorkDir{fs: fs, path: filepath.Join(root, transferID)}
}

func (w *WorkDir) Path() string {
	return w.path
}

func (w *WorkDir) lockPath() string {
	return filepath.Join(w.path, lockFileName)
}

func (w *WorkDir) checkpointPath() string {
	return filepath.Join(w.path, checkpointFileName)
}

// Locked reports whether a lock marker is present.
func (w *WorkDir) Locked() (bool, error) {
	return afero.Exists(w.fs, w.lockPath())
}

// Lock creates the directory if needed and writes the lock marker. It fails with
// ErrTransferLocked when the marker already exists.
func (w *WorkDir) Lock() error {
	if err := w.fs.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	f, err := w.fs.OpenFile(w.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrTransferLocked
		}
		return fmt.Errorf("create lock marker: %w", err)
	}
	_, werr := fmt.Fprintf(f, "pid=%d\nlocked_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write lock marker: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close lock marker: %w", cerr)
	}
	return nil
}

func (w *WorkDir) Unlock() error {
	if err := w.fs.Remove(w.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

func (w *WorkDir) HasCheckpoint() bool {
	ok, _ := afero.Exists(w.fs, w.checkpointPath())
	return ok
}

func (w *WorkDir) ReadCheckpoint() ([]byte, error) {
	data, err := afero.ReadFile(w.fs, w.checkpointPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// WriteCheckpoint replaces the checkpoint through a temporary file so readers never see
// a partial write.
func (w *WorkDir) WriteCheckpoint(data []byte) error {
	if err := w.fs.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	tmp := w.checkpointPath() + ".tmp"
	if err := afero.WriteFile(w.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := w.fs.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Remove deletes the directory with everything in it.
func (w *WorkDir) Remove() error {
	return w.fs.RemoveAll(w.path)
}
