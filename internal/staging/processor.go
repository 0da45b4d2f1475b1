package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"staging-engine/internal/domain"
	"staging-engine/internal/transport"
)

var ErrInvalidProperty = errors.New("invalid processor property")

// Properties is the flat configuration of a processor.
type Properties map[string]string

func (p Properties) Get(key, fallback string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return fallback
}

// PropertyError reports an unsupported configuration value.
type PropertyError struct {
	Key    string
	Value  string
	Reason string
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("property %q=%q: %s", e.Key, e.Value, e.Reason)
}

func (e *PropertyError) Unwrap() error {
	return ErrInvalidProperty
}

// Workspace is the environment a processor runs in.
type Workspace struct {
	TransferID string
	// WorkDir is the local working directory of the transfer on FS.
	WorkDir  string
	FS       afero.Fs
	Resolver transport.Resolver
	Logger   *logrus.Entry
	// Cleanup, when set, registers a local path for removal once the transfer succeeded.
	Cleanup func(path string)
}

func (w *Workspace) registerCleanup(path string) {
	if w.Cleanup != nil {
		w.Cleanup(path)
	}
}

func (w *Workspace) logger() *logrus.Entry {
	if w.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return w.Logger
}

// Processor is a pre/post transfer hook operating on the whole transfer tree. The pre
// transfer operations run before the container is closed and may append generated files;
// the post transfer operations run once all files reached the destination.
type Processor interface {
	UniqueIdentifier() string
	Name() string
	PropertyKeys() []string
	PropertyDescription(key string) string
	Validate(props Properties) error
	Configure(props Properties) error

	PerformPreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error
	FinalizePreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error
	PerformPostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error
	FinalizePostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error
}

// RunPostTransfer performs and finalizes post transfer processing for every processor in order.
func RunPostTransfer(ctx context.Context, ws *Workspace, c *domain.Container, processors []Processor) error {
	for _, p := range processors {
		ws.logger().WithField("processor", p.UniqueIdentifier()).Debug("post-transfer processing")
		if err := p.PerformPostTransferProcessing(ctx, ws, c); err != nil {
			return fmt.Errorf("processor %s: perform post-transfer processing: %w", p.UniqueIdentifier(), err)
		}
		if err := p.FinalizePostTransferProcessing(ctx, ws, c); err != nil {
			return fmt.Errorf("processor %s: finalize post-transfer processing: %w", p.UniqueIdentifier(), err)
		}
	}
	return nil
}
