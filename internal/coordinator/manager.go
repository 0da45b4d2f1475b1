package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"staging-engine/internal/domain"
	"staging-engine/internal/service"
	"staging-engine/internal/staging"
	"staging-engine/internal/transfer"
)

var ErrNotStarted = errors.New("coordinator not started")

// Manager runs persisted transfers through the engine with bounded concurrency.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, transferID string) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, transferID string) error
	Info(transferID string) (transfer.Info, bool)
	// Purge cancels the transfer, drops its local state and its record. With deleteRemote
	// the destination is removed as well.
	Purge(ctx context.Context, transferID string, deleteRemote bool) error
}

type Config struct {
	MaxConcurrent int
	Engine        transfer.Config
	Processors    *staging.Registry
	Logger        *logrus.Logger
}

type manager struct {
	cfg       Config
	transfers service.TransferService

	sem     chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	mu      sync.Mutex
	active  map[string]*transferHandle
}

type transferHandle struct {
	cancel context.CancelFunc
	client *transfer.Client
	done   chan struct{}
}

func NewManager(cfg Config, transfers service.TransferService) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Processors == nil {
		cfg.Processors = staging.DefaultRegistry()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	return &manager{
		cfg:       cfg,
		transfers: transfers,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		active:    make(map[string]*transferHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.cfg.Engine.FS == nil || m.cfg.Engine.Resolver == nil {
		return errors.New("engine filesystem and resolver are required")
	}
	if err := m.cfg.Engine.FS.MkdirAll(m.cfg.Engine.WorkRoot, 0o755); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("transfer coordinator started, work root: %s", m.cfg.Engine.WorkRoot)
	return nil
}

// Shutdown lets every running engine checkpoint and unlock, then cancels them and waits.
// Their records keep an active status so Resume picks them up again.
func (m *manager) Shutdown() {
	m.closing.Store(true)
	m.mu.Lock()
	for _, handle := range m.active {
		if handle.client != nil {
			handle.client.Shutdown()
		}
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("transfer coordinator stopped")
}

func (m *manager) Enqueue(ctx context.Context, transferID string) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	tr, err := m.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	m.spawnTransfer(*tr)
	return nil
}

func (m *manager) Resume(ctx context.Context) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	transfers, err := m.transfers.ListByStatuses(ctx, domain.ActiveStatuses()...)
	if err != nil {
		return err
	}
	for i := range transfers {
		m.spawnTransfer(transfers[i])
	}
	if len(transfers) > 0 {
		m.cfg.Logger.Infof("resumed %d transfers", len(transfers))
	}
	return nil
}

func (m *manager) spawnTransfer(tr domain.Transfer) {
	transferCtx, cancel := context.WithCancel(m.ctx)
	handle := &transferHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if !m.registerTransfer(tr.ID, handle) {
		cancel()
		m.cfg.Logger.WithField("transfer_id", tr.ID).Debug("transfer already active")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.unregisterTransfer(tr.ID)
			cancel()
			close(handle.done)
		}()
		select {
		case <-m.ctx.Done():
			return
		case <-transferCtx.Done():
			m.persistStatus(tr.ID, domain.StatusCanceled, nil)
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.handleTransfer(transferCtx, handle, &tr)
		}
	}()
}

func (m *manager) registerTransfer(id string, handle *transferHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = handle
	return true
}

func (m *manager) unregisterTransfer(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) setTransferClient(id string, client *transfer.Client) {
	m.mu.Lock()
	if handle, ok := m.active[id]; ok {
		handle.client = client
	}
	m.mu.Unlock()
}

func (m *manager) getTransferHandle(id string) (*transferHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

// Cancel stops an active transfer and waits for it. A transfer that is not running in
// this process but still has an active status is marked canceled directly.
func (m *manager) Cancel(ctx context.Context, transferID string) error {
	handle, ok := m.getTransferHandle(transferID)
	if !ok {
		tr, err := m.transfers.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if tr.Status.IsActive() {
			return m.transfers.UpdateStatus(ctx, transferID, domain.StatusCanceled, nil)
		}
		return nil
	}

	m.mu.Lock()
	client := handle.client
	m.mu.Unlock()
	if client != nil {
		client.Cancel()
	}
	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) Info(transferID string) (transfer.Info, bool) {
	handle, ok := m.getTransferHandle(transferID)
	if !ok {
		return transfer.Info{}, false
	}
	m.mu.Lock()
	client := handle.client
	m.mu.Unlock()
	if client == nil {
		return transfer.Info{TransferID: transferID, Status: domain.StatusPending}, true
	}
	return client.Info(), true
}

func (m *manager) Purge(ctx context.Context, transferID string, deleteRemote bool) error {
	tr, err := m.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if err := m.Cancel(ctx, transferID); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	if deleteRemote && tr.Destination != "" {
		h, err := m.cfg.Engine.Resolver.Resolve(tr.Destination)
		if err != nil {
			return fmt.Errorf("resolve destination: %w", err)
		}
		if err := h.Remove(ctx); err != nil {
			return fmt.Errorf("remove destination: %w", err)
		}
	}

	if m.cfg.Engine.Cleanup != nil {
		m.cfg.Engine.Cleanup.Forget(transferID)
	}
	workDir := filepath.Join(m.cfg.Engine.WorkRoot, transferID)
	if err := m.cfg.Engine.FS.RemoveAll(workDir); err != nil {
		m.cfg.Logger.WithField("transfer_id", transferID).Warnf("remove work dir: %v", err)
	}
	return m.transfers.DeleteTransfer(ctx, transferID)
}

func (m *manager) handleTransfer(ctx context.Context, handle *transferHandle, tr *domain.Transfer) {
	logger := m.cfg.Logger.WithField("transfer_id", tr.ID)
	if !tr.Status.IsActive() {
		logger.Debugf("transfer already %s, skipping", tr.Status)
		return
	}
	if tr.Container == nil {
		m.failTransfer(tr.ID, errors.New("transfer has no container"))
		return
	}

	processors, err := m.cfg.Processors.BuildAll(tr.Processors)
	if err != nil {
		m.failTransfer(tr.ID, fmt.Errorf("build processors: %w", err))
		return
	}

	kind, err := transfer.NewKind(tr.Kind, m)
	if err != nil {
		m.failTransfer(tr.ID, err)
		return
	}
	client, err := transfer.New(tr.Container, kind, m.cfg.Engine)
	if err != nil {
		m.failTransfer(tr.ID, fmt.Errorf("create engine: %w", err))
		return
	}
	if restored, err := client.Restore(); err != nil {
		logger.Warnf("ignoring checkpoint: %v", err)
	} else if restored {
		logger.Info("resuming from checkpoint")
	}
	if tr.Kind == domain.KindIngest {
		for _, p := range processors {
			if err := client.AddStagingProcessor(p); err != nil {
				m.failTransfer(tr.ID, err)
				return
			}
		}
	}
	client.AddStatusListener(&statusPersister{m: m, client: client})
	client.AddTaskListener(newTaskLogger(logger))
	m.setTransferClient(tr.ID, client)

	status := client.Run(ctx)

	persistCtx := context.WithoutCancel(ctx)
	if err := m.transfers.SaveContainer(persistCtx, tr.ID, client.Container()); err != nil {
		logger.Warnf("save container: %v", err)
	}
	if status != domain.StatusSucceeded || len(processors) == 0 {
		return
	}

	if err := m.postProcess(ctx, client, processors); err != nil {
		m.failTransfer(tr.ID, fmt.Errorf("post-transfer processing: %w", err))
		return
	}
	if err := m.transfers.SaveContainer(persistCtx, tr.ID, client.Container()); err != nil {
		logger.Warnf("save container: %v", err)
	}
}

// postProcess runs the post transfer hooks of processors once the engine succeeded.
func (m *manager) postProcess(ctx context.Context, client *transfer.Client, processors []staging.Processor) error {
	id := client.TransferID()
	ws := &staging.Workspace{
		TransferID: id,
		WorkDir:    client.WorkDir().Path(),
		FS:         m.cfg.Engine.FS,
		Resolver:   m.cfg.Engine.Resolver,
		Logger:     m.cfg.Logger.WithField("transfer_id", id),
	}
	if cleanup := m.cfg.Engine.Cleanup; cleanup != nil {
		ws.Cleanup = func(path string) { cleanup.Register(id, path) }
		defer func() {
			if err := cleanup.Perform(id); err != nil {
				ws.Logger.Warnf("post-processing cleanup: %v", err)
			}
		}()
	}
	return staging.RunPostTransfer(ctx, ws, client.Container(), processors)
}

func (m *manager) persistStatus(id string, status domain.TransferStatus, cause error) {
	if m.closing.Load() && status == domain.StatusCanceled {
		return
	}
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	if err := m.transfers.UpdateStatus(context.Background(), id, status, msg); err != nil {
		m.cfg.Logger.WithField("transfer_id", id).Errorf("persist status %s: %v", status, err)
	}
}

func (m *manager) failTransfer(id string, failErr error) {
	m.persistStatus(id, domain.StatusFailed, failErr)
	m.cfg.Logger.WithField("transfer_id", id).Error(failErr.Error())
}

func (m *manager) TransferStarted(transferID string) {
	m.cfg.Logger.WithField("transfer_id", transferID).Info("transfer started")
}

func (m *manager) TransferRunning(transferID string) {
	m.cfg.Logger.WithField("transfer_id", transferID).Info("copying files")
}

func (m *manager) TransferFinished(transferID string, success bool) {
	logger := m.cfg.Logger.WithField("transfer_id", transferID)
	if success {
		logger.Info("transfer finished")
		return
	}
	logger.Warn("transfer finished unsuccessfully")
}

var (
	_ Manager           = (*manager)(nil)
	_ transfer.Callback = (*manager)(nil)
)
