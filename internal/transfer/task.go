package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"staging-engine/internal/domain"
	"staging-engine/internal/transport"
)

var ErrTaskStarted = errors.New("task already started")

// TaskState is the lifecycle state of a Task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskFinished
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// TaskOptions tunes how a Task copies its file.
type TaskOptions struct {
	// Attempts is the number of copy attempts before the task fails.
	Attempts   int
	RetryDelay time.Duration
	BufferSize int
}

// Task copies one source file to its target. A task runs at most once.
type Task struct {
	ID     string
	Source transport.Handle
	Target transport.Handle

	// pair is the container entry the task copies, set when it was resolved from a tree.
	pair      domain.TransferPair
	opts      TaskOptions
	started   atomic.Bool
	listeners listeners[TaskListener]
	done      chan struct{}

	mu       sync.Mutex
	state    TaskState
	err      error
	attempts int
	bytes    int64
}

func NewTask(src, dst transport.Handle, opts TaskOptions) *Task {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Task{
		ID:     uuid.NewString(),
		Source: src,
		Target: dst,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (t *Task) AddListener(l TaskListener) {
	t.listeners.add(l)
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error of the last failed attempt.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Task) BytesCopied() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Start runs the copy in its own goroutine. Closing stop aborts pending retries but
// never an attempt in flight.
func (t *Task) Start(ctx context.Context, stop <-chan struct{}) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrTaskStarted
	}
	t.setState(TaskRunning, nil)
	go t.run(ctx, stop)
	return nil
}

func (t *Task) run(ctx context.Context, stop <-chan struct{}) {
	defer close(t.done)

	t.notify(func(l TaskListener) { l.TaskStarted(t) })

	err := t.copyWithRetry(ctx, stop)
	if err != nil {
		t.setState(TaskFailed, err)
		t.notify(func(l TaskListener) { l.TaskFailed(t, err) })
		return
	}
	t.setState(TaskFinished, nil)
	t.notify(func(l TaskListener) { l.TaskFinished(t) })
}

func (t *Task) copyWithRetry(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	for attempt := 1; attempt <= t.opts.Attempts; attempt++ {
		t.mu.Lock()
		t.attempts = attempt
		t.mu.Unlock()

		var n int64
		n, err = transport.Copy(ctx, t.Source, t.Target, t.opts.BufferSize)
		if err == nil {
			t.mu.Lock()
			t.bytes = n
			t.mu.Unlock()
			return nil
		}
		if transport.IsFatal(err) || attempt == t.opts.Attempts {
			return err
		}

		timer := time.NewTimer(t.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-stop:
			timer.Stop()
			return err
		}
	}
	return err
}

// notify delivers an event to every listener; a panicking listener does not stop the others.
func (t *Task) notify(fn func(l TaskListener)) {
	for _, l := range t.listeners.snapshot() {
		func() {
			defer func() { _ = recover() }()
			fn(l)
		}()
	}
}

func (t *Task) setState(state TaskState, err error) {
	t.mu.Lock()
	t.state = state
	if err != nil {
		t.err = err
	}
	t.mu.Unlock()
}

// locations returns the source and target the container knows the file by.
func (t *Task) locations() (string, string) {
	if t.pair.Target != "" {
		return t.pair.Source, t.pair.Target
	}
	return t.Source.URL(), t.Target.URL()
}

func (t *Task) String() string {
	return fmt.Sprintf("%s -> %s", t.Source.URL(), t.Target.URL())
}
