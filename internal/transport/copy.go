package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const defaultBufferSize = 1 << 20

// Aborter is implemented by targets that can discard a partially written file instead of
// committing it.
type Aborter interface {
	CloseWithError(err error) error
}

// Copy streams the content of src into dst. A missing source is reported as fatal.
func Copy(ctx context.Context, src, dst Handle, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	in, err := src.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, Fatal(fmt.Errorf("open source %s: %w", src.URL(), err))
		}
		return 0, fmt.Errorf("open source %s: %w", src.URL(), err)
	}
	defer in.Close()

	out, err := dst.Create(ctx)
	if err != nil {
		return 0, fmt.Errorf("create target %s: %w", dst.URL(), err)
	}

	n, err := io.CopyBuffer(out, &contextReader{ctx: ctx, r: in}, make([]byte, bufferSize))
	if err != nil {
		abort(out, err)
		return n, fmt.Errorf("copy %s: %w", src.URL(), err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close target %s: %w", dst.URL(), err)
	}
	return n, nil
}

func abort(w io.WriteCloser, err error) {
	if a, ok := w.(Aborter); ok {
		_ = a.CloseWithError(err)
		return
	}
	_ = w.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
