package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"staging-engine/internal/domain"
	"staging-engine/internal/staging"
)

var (
	ErrAlreadyStarted = errors.New("transfer already started")
	errCanceled       = errors.New("transfer canceled")
)

// Info is a point in time view of an engine.
type Info struct {
	TransferID string                `json:"transfer_id"`
	Kind       domain.TransferKind   `json:"kind"`
	Status     domain.TransferStatus `json:"status"`
	Canceled   bool                  `json:"canceled"`
	Tasks      int                   `json:"tasks"`
	Running    int                   `json:"running"`
	Finished   int                   `json:"finished"`
	Failed     int                   `json:"failed"`
	Error      string                `json:"error,omitempty"`
}

// Client drives one transfer through preparation, the bounded parallel copy of its files
// and cleanup. A Client runs once.
type Client struct {
	cfg     Config
	kind    Kind
	id      string
	logger  *logrus.Entry
	workDir *WorkDir

	containerMu sync.RWMutex
	container   *domain.Container
	processors  []staging.Processor

	// eventMu orders status updates with their notification.
	eventMu  sync.Mutex
	statusMu sync.Mutex
	status   domain.TransferStatus
	errMu    sync.Mutex
	err      error

	canceled   atomic.Bool
	cancelOnce sync.Once
	stopCh     chan struct{}
	started    atomic.Bool
	lockHeld   atomic.Bool
	done       chan struct{}

	// mu guards the task tracking collections.
	mu       sync.Mutex
	tasks    []*Task
	running  map[string]*Task
	finished map[string]*Task
	failed   map[string]*Task

	// callbackMu serializes task callbacks.
	callbackMu   sync.Mutex
	checkpointMu sync.Mutex
	shutdownOnce sync.Once

	statusListeners listeners[StatusListener]
	taskListeners   listeners[TaskListener]
}

// New creates an engine for container. The container must carry a transfer identifier.
func New(container *domain.Container, kind Kind, cfg Config) (*Client, error) {
	if container == nil {
		return nil, errors.New("container is required")
	}
	id := container.TransferID()
	if id == "" {
		return nil, errors.New("container has no transfer identifier")
	}
	if kind == nil {
		return nil, errors.New("transfer kind is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("transport resolver is required")
	}
	if cfg.WorkRoot == "" {
		return nil, errors.New("work root is required")
	}
	cfg = cfg.withDefaults()

	return &Client{
		cfg:       cfg,
		kind:      kind,
		id:        id,
		logger:    cfg.Logger.WithFields(logrus.Fields{"transfer_id": id, "kind": kind.Name()}),
		workDir:   NewWorkDir(cfg.FS, cfg.WorkRoot, id),
		container: container,
		status:    domain.StatusPending,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		running:   make(map[string]*Task),
		finished:  make(map[string]*Task),
		failed:    make(map[string]*Task),
	}, nil
}

func (c *Client) TransferID() string {
	return c.id
}

func (c *Client) Kind() Kind {
	return c.kind
}

func (c *Client) WorkDir() *WorkDir {
	return c.workDir
}

// Container returns the container the engine currently works on.
func (c *Client) Container() *domain.Container {
	c.containerMu.RLock()
	defer c.containerMu.RUnlock()
	return c.container
}

// AddStagingProcessor registers p to run, in registration order, before the transfer.
func (c *Client) AddStagingProcessor(p staging.Processor) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}
	c.containerMu.Lock()
	c.processors = append(c.processors, p)
	c.containerMu.Unlock()
	return nil
}

func (c *Client) Processors() []staging.Processor {
	c.containerMu.RLock()
	defer c.containerMu.RUnlock()
	return append([]staging.Processor(nil), c.processors...)
}

func (c *Client) AddStatusListener(l StatusListener) {
	c.statusListeners.add(l)
}

func (c *Client) RemoveStatusListener(l StatusListener) {
	c.statusListeners.remove(func(item StatusListener) bool { return item == l })
}

func (c *Client) AddTaskListener(l TaskListener) {
	c.taskListeners.add(l)
}

func (c *Client) RemoveTaskListener(l TaskListener) {
	c.taskListeners.remove(func(item TaskListener) bool { return item == l })
}

// Cancel requests cancellation. It may be called at any time from any goroutine.
func (c *Client) Cancel() {
	c.cancelOnce.Do(func() {
		c.canceled.Store(true)
		close(c.stopCh)
		c.logger.Info("cancellation requested")
	})
}

func (c *Client) IsCanceled() bool {
	return c.canceled.Load()
}

// Err returns the first failure recorded during the run.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) recordError(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) Info() Info {
	info := Info{
		TransferID: c.id,
		Kind:       c.kind.Name(),
		Status:     c.Status(),
		Canceled:   c.IsCanceled(),
	}
	c.mu.Lock()
	info.Tasks = len(c.tasks)
	info.Running = len(c.running)
	info.Finished = len(c.finished)
	info.Failed = len(c.failed)
	c.mu.Unlock()
	if err := c.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Restore replaces the container with the checkpoint of a previous run, if there is one.
func (c *Client) Restore() (bool, error) {
	if c.started.Load() {
		return false, ErrAlreadyStarted
	}
	if !c.workDir.HasCheckpoint() {
		return false, nil
	}
	data, err := c.workDir.ReadCheckpoint()
	if err != nil {
		return false, err
	}

	restored := &domain.Container{}
	if err := json.Unmarshal(data, restored); err != nil {
		return false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if restored.TransferID() != c.id {
		return false, fmt.Errorf("checkpoint belongs to transfer %q", restored.TransferID())
	}

	c.containerMu.Lock()
	c.container = restored
	c.containerMu.Unlock()
	c.logger.WithField("closed", restored.IsClosed()).Info("restored checkpoint")
	return true, nil
}

// CreateCheckpoint writes a snapshot of the container to the working directory.
func (c *Client) CreateCheckpoint() error {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	data, err := json.Marshal(c.Container())
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return c.workDir.WriteCheckpoint(data)
}

// Start runs the transfer in the background; Wait blocks until it is over.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}
	go c.Run(ctx)
	return nil
}

// Wait blocks until Run returned and reports the final status.
func (c *Client) Wait() domain.TransferStatus {
	<-c.done
	return c.Status()
}

// Done is closed when Run returned.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run executes the transfer and returns the status it ended in. Canceling ctx is
// equivalent to calling Cancel. Run never panics; calling it a second time returns the
// current status without doing anything.
func (c *Client) Run(ctx context.Context) domain.TransferStatus {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("run called on a started transfer")
		return c.Status()
	}
	defer close(c.done)
	stop := context.AfterFunc(ctx, c.Cancel)
	defer stop()

	c.execute(ctx)
	status := c.Status()
	c.logger.WithField("status", status).Info("transfer ended")
	return status
}

func (c *Client) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("transfer aborted by panic: %v", r)
			c.recordError(fmt.Errorf("panic: %v", r))
			c.releaseAfterFailure()
			c.setStatus(domain.StatusFailed)
		}
	}()

	if c.cfg.StartDelay > 0 {
		timer := time.NewTimer(c.cfg.StartDelay)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
		}
	}

	c.setStatus(domain.StatusRunning)
	if c.prepare(ctx) && c.transfer(ctx) && !c.IsCanceled() {
		c.setStatus(domain.StatusCleanup)
		c.cleanup()
		c.setStatus(domain.StatusSucceeded)
		return
	}
	c.releaseAfterFailure()
	c.setStatus(domain.StatusFailed)
}

// Shutdown runs the shutdown hook of the transfer kind and unlocks the transfer. It is
// meant for process termination while Run may still be in progress. An engine that does
// not hold the lock leaves the work dir untouched.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		if !c.lockHeld.Load() {
			c.logger.Debug("shutting down transfer without lock")
			return
		}
		c.logger.Info("shutting down transfer")
		c.kind.OnShutdown(c)
		c.releaseLock()
	})
}

func (c *Client) releaseLock() {
	if !c.lockHeld.CompareAndSwap(true, false) {
		return
	}
	if err := c.workDir.Unlock(); err != nil {
		c.logger.Warnf("unlock: %v", err)
	}
}

// releaseAfterFailure keeps the progress of a failed run and unlocks it for a retry.
// A lock held by another engine is left alone.
func (c *Client) releaseAfterFailure() {
	if !c.lockHeld.Load() {
		return
	}
	if err := c.CreateCheckpoint(); err != nil {
		c.logger.Warnf("checkpoint after failure: %v", err)
	}
	c.releaseLock()
}

func (c *Client) workspace() *staging.Workspace {
	return &staging.Workspace{
		TransferID: c.id,
		WorkDir:    c.workDir.Path(),
		FS:         c.cfg.FS,
		Resolver:   c.cfg.Resolver,
		Logger:     c.logger,
		Cleanup: func(path string) {
			if c.cfg.Cleanup != nil {
				c.cfg.Cleanup.Register(c.id, path)
			}
		},
	}
}

func (c *Client) cleanup() {
	if c.cfg.Cleanup != nil {
		if err := c.cfg.Cleanup.Perform(c.id); err != nil {
			c.logger.Warnf("cleanup: %v", err)
		}
	}
	c.lockHeld.Store(false)
	if err := c.workDir.Remove(); err != nil {
		c.logger.Warnf("remove work dir: %v", err)
		if c.cfg.Cleanup != nil {
			c.cfg.Cleanup.Defer(c.workDir.Path())
		}
	}
}
