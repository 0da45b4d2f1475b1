package transfer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"staging-engine/internal/domain"
)

// transfer runs every task with at most MaxParallelTransfers in flight and reports
// whether all of them finished.
func (c *Client) transfer(ctx context.Context) bool {
	c.setStatus(domain.StatusTransferring)
	if err := c.CreateCheckpoint(); err != nil {
		c.logger.Warnf("initial checkpoint: %v", err)
	}

	c.mu.Lock()
	tasks := append([]*Task(nil), c.tasks...)
	c.running = make(map[string]*Task)
	c.finished = make(map[string]*Task)
	c.failed = make(map[string]*Task)
	c.mu.Unlock()

	if len(tasks) > 1 {
		stopCheckpoints := c.startCheckpoints()
		defer stopCheckpoints()
	}

	// tasks finish naturally on cancellation
	taskCtx := context.WithoutCancel(ctx)
	hook := &taskHook{c: c}
	lastAlive := time.Now()

schedule:
	for _, task := range tasks {
		for c.runningCount() >= c.cfg.MaxParallelTransfers {
			if c.IsCanceled() {
				break schedule
			}
			lastAlive = c.heartbeat(lastAlive)
			c.pause()
		}
		if c.IsCanceled() {
			break
		}

		c.mu.Lock()
		c.running[task.ID] = task
		c.mu.Unlock()
		task.AddListener(hook)
		if err := task.Start(taskCtx, c.stopCh); err != nil {
			c.logger.WithField("task", task.String()).Errorf("start task: %v", err)
			c.mu.Lock()
			delete(c.running, task.ID)
			c.failed[task.ID] = task
			c.mu.Unlock()
		}
	}

	for c.runningCount() > 0 {
		lastAlive = c.heartbeat(lastAlive)
		c.pause()
	}

	if c.IsCanceled() {
		c.setStatus(domain.StatusCanceled)
		return false
	}

	c.mu.Lock()
	finished, failed := len(c.finished), len(c.failed)
	c.mu.Unlock()
	c.logger.Infof("transfer phase done: %d finished, %d failed", finished, failed)
	if failed > 0 {
		c.setStatus(domain.StatusTransferFailed)
		return false
	}
	return true
}

func (c *Client) runningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *Client) pause() {
	time.Sleep(c.cfg.PollInterval)
}

func (c *Client) heartbeat(last time.Time) time.Time {
	if time.Since(last) < c.cfg.AliveInterval {
		return last
	}
	c.fireAlive()
	return time.Now()
}

// startCheckpoints writes a checkpoint every CheckpointInterval until the returned
// function is called.
func (c *Client) startCheckpoints() func() {
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(c.cfg.CheckpointInterval), cron.FuncJob(func() {
		if err := c.CreateCheckpoint(); err != nil {
			c.logger.Warnf("periodic checkpoint: %v", err)
			return
		}
		c.logger.Debug("checkpoint written")
	}))
	scheduler.Start()
	return func() {
		<-scheduler.Stop().Done()
	}
}

// taskHook feeds task callbacks into the tracking collections.
type taskHook struct {
	c *Client
}

func (h *taskHook) TaskStarted(t *Task) {
	c := h.c
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.logger.WithField("task", t.String()).Debug("task started")
	for _, l := range c.taskListeners.snapshot() {
		l.TaskStarted(t)
	}
}

func (h *taskHook) TaskFinished(t *Task) {
	c := h.c
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()

	c.mu.Lock()
	delete(c.running, t.ID)
	c.finished[t.ID] = t
	c.mu.Unlock()

	src, dst := t.locations()
	if err := c.Container().MarkFileTransferred(src, dst); err != nil {
		c.logger.WithField("task", t.String()).Warnf("mark transferred: %v", err)
	}
	c.logger.WithField("task", t.String()).Debug("task finished")
	for _, l := range c.taskListeners.snapshot() {
		l.TaskFinished(t)
	}
}

func (h *taskHook) TaskFailed(t *Task, err error) {
	c := h.c
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()

	c.mu.Lock()
	delete(c.running, t.ID)
	c.failed[t.ID] = t
	c.mu.Unlock()

	c.recordError(err)
	c.logger.WithField("task", t.String()).Errorf("task failed after %d attempts: %v", t.Attempts(), err)
	for _, l := range c.taskListeners.snapshot() {
		l.TaskFailed(t, err)
	}
}
