package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// LocalScheme is the scheme of locations on the local filesystem.
const LocalScheme = "file"

// LocalBackend serves file:// locations from an afero filesystem.
type LocalBackend struct {
	fs afero.Fs
}

func NewLocalBackend(fs afero.Fs) *LocalBackend {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalBackend{fs: fs}
}

func (b *LocalBackend) Fs() afero.Fs {
	return b.fs
}

func (b *LocalBackend) Handle(u *url.URL) (Handle, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("local location %q has no path", u.String())
	}
	return &localHandle{fs: b.fs, path: filepath.FromSlash(path.Clean(u.Path))}, nil
}

// LocalURL converts a filesystem path into a file:// location.
func LocalURL(p string) string {
	abs := filepath.ToSlash(p)
	if !path.IsAbs(abs) {
		abs = "/" + abs
	}
	return (&url.URL{Scheme: LocalScheme, Path: abs}).String()
}

// LocalPath returns the filesystem path of a file:// location.
func LocalPath(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	if u.Scheme != LocalScheme {
		return "", fmt.Errorf("%w: %q is not local", ErrUnsupportedScheme, location)
	}
	return filepath.FromSlash(path.Clean(u.Path)), nil
}

type localHandle struct {
	fs   afero.Fs
	path string
}

func (h *localHandle) URL() string {
	return LocalURL(h.path)
}

func (h *localHandle) IsLocal() bool {
	return true
}

func (h *localHandle) Exists(ctx context.Context) (bool, error) {
	return afero.Exists(h.fs, h.path)
}

func (h *localHandle) IsDir(ctx context.Context) (bool, error) {
	ok, err := afero.IsDir(h.fs, h.path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return ok, err
}

func (h *localHandle) Mkdir(ctx context.Context) error {
	return h.fs.MkdirAll(h.path, 0o755)
}

func (h *localHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := h.fs.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.path)
		}
		return nil, err
	}
	return f, nil
}

func (h *localHandle) Create(ctx context.Context) (io.WriteCloser, error) {
	if err := h.fs.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := h.fs.Create(h.path)
	if err != nil {
		return nil, err
	}
	return &localWriter{File: f, fs: h.fs, path: h.path}, nil
}

func (h *localHandle) Remove(ctx context.Context) error {
	return h.fs.RemoveAll(h.path)
}

type localWriter struct {
	afero.File
	fs   afero.Fs
	path string
}

// CloseWithError closes the file and removes what was written so far.
func (w *localWriter) CloseWithError(error) error {
	_ = w.File.Close()
	if err := w.fs.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Aborter = (*localWriter)(nil)
)
