package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"staging-engine/internal/domain"
)

var (
	ErrNotFound          = errors.New("location not found")
	ErrUnsupportedScheme = errors.New("unsupported location scheme")
)

// Handle is an abstract reference to a file or directory at some location.
type Handle interface {
	URL() string
	IsLocal() bool
	Exists(ctx context.Context) (bool, error)
	IsDir(ctx context.Context) (bool, error)
	Mkdir(ctx context.Context) error
	Open(ctx context.Context) (io.ReadCloser, error)
	Create(ctx context.Context) (io.WriteCloser, error)
	Remove(ctx context.Context) error
}

// Resolver turns a location reference into a Handle.
type Resolver interface {
	Resolve(location string) (Handle, error)
}

// Backend serves all locations of one scheme.
type Backend interface {
	Handle(u *url.URL) (Handle, error)
}

// Registry dispatches locations to backends by URL scheme.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(scheme string, backend Backend) {
	r.mu.Lock()
	r.backends[strings.ToLower(scheme)] = backend
	r.mu.Unlock()
}

func (r *Registry) Resolve(location string) (Handle, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}
	r.mu.RLock()
	backend, ok := r.backends[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return backend.Handle(u)
}

// Join appends name to the location base.
func Join(base, name string) string {
	return domain.JoinLocation(base, name)
}

var _ Resolver = (*Registry)(nil)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
