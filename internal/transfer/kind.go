package transfer

import (
	"context"
	"errors"
	"fmt"

	"staging-engine/internal/domain"
)

var ErrProcessorsUnsupported = errors.New("staging processors are not supported for this transfer kind")

// Kind holds the hooks in which transfer directions differ.
type Kind interface {
	Name() domain.TransferKind
	// PrepareExternal runs last during preparation, e.g. to create the remote destination.
	PrepareExternal(ctx context.Context, c *Client) error
	PerformStagingProcessors(ctx context.Context, c *Client) error
	OnStatusChanged(c *Client, old, new domain.TransferStatus)
	OnAlive(c *Client)
	// OnShutdown runs when the process terminates while the engine holds the transfer lock.
	OnShutdown(c *Client)
}

// Callback receives coarse progress of a transfer, typically to update the owning service.
type Callback interface {
	TransferStarted(transferID string)
	TransferRunning(transferID string)
	TransferFinished(transferID string, success bool)
}

// NewKind returns the hooks for kind. cb may be nil.
func NewKind(kind domain.TransferKind, cb Callback) (Kind, error) {
	switch kind {
	case domain.KindIngest:
		return &IngestKind{Callback: cb}, nil
	case domain.KindDownload:
		return &DownloadKind{Callback: cb}, nil
	case domain.KindInternal:
		return &InProcKind{DownloadKind{Callback: cb}}, nil
	}
	return nil, fmt.Errorf("unknown transfer kind %q", kind)
}

// IngestKind moves data from a client into the repository and runs staging processors.
type IngestKind struct {
	Callback Callback
}

func (k *IngestKind) Name() domain.TransferKind { return domain.KindIngest }

func (k *IngestKind) PrepareExternal(ctx context.Context, c *Client) error {
	return c.ensureDestination(ctx)
}

func (k *IngestKind) PerformStagingProcessors(ctx context.Context, c *Client) error {
	return c.runPreTransferProcessors(ctx)
}

func (k *IngestKind) OnStatusChanged(c *Client, old, new domain.TransferStatus) {
	notifyCallback(k.Callback, c.TransferID(), new)
}

func (k *IngestKind) OnAlive(c *Client) {
	c.logger.Debug("ingest alive")
}

func (k *IngestKind) OnShutdown(c *Client) {
	checkpointUnlessSucceeded(c)
}

// DownloadKind moves data out of the repository. Pre transfer processing has already
// happened when the download was staged, so processors are rejected.
type DownloadKind struct {
	Callback Callback
}

func (k *DownloadKind) Name() domain.TransferKind { return domain.KindDownload }

func (k *DownloadKind) PrepareExternal(ctx context.Context, c *Client) error {
	return c.ensureDestination(ctx)
}

func (k *DownloadKind) PerformStagingProcessors(ctx context.Context, c *Client) error {
	if n := len(c.Processors()); n > 0 {
		return fmt.Errorf("%w: %d registered", ErrProcessorsUnsupported, n)
	}
	return nil
}

func (k *DownloadKind) OnStatusChanged(c *Client, old, new domain.TransferStatus) {
	notifyCallback(k.Callback, c.TransferID(), new)
}

func (k *DownloadKind) OnAlive(c *Client) {
	c.logger.Debug("download alive")
}

func (k *DownloadKind) OnShutdown(c *Client) {
	checkpointUnlessSucceeded(c)
}

// InProcKind copies between two locations of the same host. The destination must be an
// existing directory.
type InProcKind struct {
	DownloadKind
}

func (k *InProcKind) Name() domain.TransferKind { return domain.KindInternal }

func (k *InProcKind) PrepareExternal(ctx context.Context, c *Client) error {
	h, err := c.cfg.Resolver.Resolve(c.Container().Destination())
	if err != nil {
		return err
	}
	isDir, err := h.IsDir(ctx)
	if err != nil {
		return fmt.Errorf("inspect destination: %w", err)
	}
	if !isDir {
		return fmt.Errorf("destination %s is not a directory", h.URL())
	}
	return nil
}

func (k *InProcKind) OnShutdown(c *Client) {
	if err := c.CreateCheckpoint(); err != nil {
		c.logger.Warnf("shutdown checkpoint: %v", err)
	}
}

func notifyCallback(cb Callback, id string, status domain.TransferStatus) {
	if cb == nil {
		return
	}
	switch {
	case status == domain.StatusRunning:
		cb.TransferStarted(id)
	case status == domain.StatusTransferring:
		cb.TransferRunning(id)
	case status == domain.StatusSucceeded:
		cb.TransferFinished(id, true)
	case status == domain.StatusCanceled || status.IsFailure():
		cb.TransferFinished(id, false)
	}
}

func checkpointUnlessSucceeded(c *Client) {
	if c.Status() == domain.StatusSucceeded {
		return
	}
	if err := c.CreateCheckpoint(); err != nil {
		c.logger.Warnf("shutdown checkpoint: %v", err)
	}
}

var (
	_ Kind = (*IngestKind)(nil)
	_ Kind = (*DownloadKind)(nil)
	_ Kind = (*InProcKind)(nil)
)
