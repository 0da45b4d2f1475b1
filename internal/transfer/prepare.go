package transfer

import (
	"context"
	"errors"
	"fmt"

	"staging-engine/internal/domain"
)

// prepare locks the working directory, runs the staging processors, resolves the tasks
// and runs the external preparation of the kind.
func (c *Client) prepare(ctx context.Context) bool {
	c.setStatus(domain.StatusPreparing)
	if c.IsCanceled() {
		c.setStatus(domain.StatusCanceled)
		return false
	}

	if err := c.workDir.Lock(); err != nil {
		c.recordError(err)
		if errors.Is(err, ErrTransferLocked) {
			c.logger.Warn("transfer is locked, another engine is working on it")
			c.setStatus(domain.StatusTransferLocked)
		} else {
			c.logger.Errorf("lock transfer: %v", err)
			c.setStatus(domain.StatusInternalPreparationFailed)
		}
		return false
	}
	c.lockHeld.Store(true)

	container := c.Container()
	if container.IsClosed() {
		c.logger.Debug("container closed, skipping staging processors")
	} else {
		if err := guard(func() error { return c.kind.PerformStagingProcessors(ctx, c) }); err != nil {
			if c.IsCanceled() || errors.Is(err, errCanceled) {
				c.setStatus(domain.StatusCanceled)
				return false
			}
			c.logger.Errorf("pre-transfer processing: %v", err)
			c.recordError(err)
			c.setStatus(domain.StatusPreProcessingFailed)
			return false
		}
		container.Close()
	}

	tasks, err := c.buildTasks(ctx)
	if err != nil {
		c.logger.Errorf("resolve transfer tree: %v", err)
		c.recordError(fmt.Errorf("resolve transfer tree: %w", err))
		return false
	}
	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()
	c.logger.Infof("prepared %d tasks", len(tasks))

	if err := guard(func() error { return c.kind.PrepareExternal(ctx, c) }); err != nil {
		c.logger.Errorf("external preparation: %v", err)
		c.recordError(fmt.Errorf("external preparation: %w", err))
		c.setStatus(domain.StatusExternalPreparationFailed)
		return false
	}

	if c.IsCanceled() {
		c.setStatus(domain.StatusCanceled)
		return false
	}
	return true
}

// runPreTransferProcessors performs and finalizes every processor in registration order.
func (c *Client) runPreTransferProcessors(ctx context.Context) error {
	ws := c.workspace()
	container := c.Container()
	for _, p := range c.Processors() {
		if c.IsCanceled() {
			return errCanceled
		}
		logger := c.logger.WithField("processor", p.UniqueIdentifier())
		logger.Info("pre-transfer processing")
		if err := guard(func() error { return p.PerformPreTransferProcessing(ctx, ws, container) }); err != nil {
			return fmt.Errorf("processor %s: perform pre-transfer processing: %w", p.UniqueIdentifier(), err)
		}
		if c.IsCanceled() {
			return errCanceled
		}
		if err := guard(func() error { return p.FinalizePreTransferProcessing(ctx, ws, container) }); err != nil {
			return fmt.Errorf("processor %s: finalize pre-transfer processing: %w", p.UniqueIdentifier(), err)
		}
	}
	return nil
}

// buildTasks creates one task per file that still has to be copied.
func (c *Client) buildTasks(ctx context.Context) ([]*Task, error) {
	resolver := c.cfg.Resolver
	pairs, err := c.Container().ResolveOpenTransfers(func(location string) (bool, error) {
		h, err := resolver.Resolve(location)
		if err != nil {
			return false, err
		}
		exists, err := h.Exists(ctx)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
		if err := h.Mkdir(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	opts := TaskOptions{
		Attempts:   c.cfg.TaskAttempts,
		RetryDelay: c.cfg.TaskRetryDelay,
		BufferSize: c.cfg.BufferSize,
	}
	tasks := make([]*Task, 0, len(pairs))
	for _, p := range pairs {
		src, err := resolver.Resolve(p.Source)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", p.Source, err)
		}
		dst, err := resolver.Resolve(p.Target)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", p.Target, err)
		}
		task := NewTask(src, dst, opts)
		task.pair = p
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ensureDestination creates the destination root if it is missing.
func (c *Client) ensureDestination(ctx context.Context) error {
	h, err := c.cfg.Resolver.Resolve(c.Container().Destination())
	if err != nil {
		return err
	}
	exists, err := h.Exists(ctx)
	if err != nil {
		return fmt.Errorf("inspect destination: %w", err)
	}
	if exists {
		return nil
	}
	return h.Mkdir(ctx)
}

// guard turns a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
