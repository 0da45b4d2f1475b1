package transfer

import (
	"sync"

	"staging-engine/internal/domain"
)

// StatusListener observes status changes and liveness of a transfer.
type StatusListener interface {
	StatusChanged(transferID string, old, new domain.TransferStatus)
	TransferAlive(transferID string)
}

// TaskListener observes the tasks of a transfer.
type TaskListener interface {
	TaskStarted(t *Task)
	TaskFinished(t *Task)
	TaskFailed(t *Task, err error)
}

// StatusFuncs adapts plain functions to StatusListener. Nil functions are skipped.
type StatusFuncs struct {
	OnChange func(transferID string, old, new domain.TransferStatus)
	OnAlive  func(transferID string)
}

func (f StatusFuncs) StatusChanged(transferID string, old, new domain.TransferStatus) {
	if f.OnChange != nil {
		f.OnChange(transferID, old, new)
	}
}

func (f StatusFuncs) TransferAlive(transferID string) {
	if f.OnAlive != nil {
		f.OnAlive(transferID)
	}
}

// TaskFuncs adapts plain functions to TaskListener. Nil functions are skipped.
type TaskFuncs struct {
	OnStarted  func(t *Task)
	OnFinished func(t *Task)
	OnFailed   func(t *Task, err error)
}

func (f TaskFuncs) TaskStarted(t *Task) {
	if f.OnStarted != nil {
		f.OnStarted(t)
	}
}

func (f TaskFuncs) TaskFinished(t *Task) {
	if f.OnFinished != nil {
		f.OnFinished(t)
	}
}

func (f TaskFuncs) TaskFailed(t *Task, err error) {
	if f.OnFailed != nil {
		f.OnFailed(t, err)
	}
}

// listeners is a registry of observers safe for concurrent registration and delivery.
type listeners[T any] struct {
	mu    sync.RWMutex
	items []T
}

func (l *listeners[T]) add(item T) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
}

func (l *listeners[T]) remove(match func(T) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		if match(item) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]T(nil), l.items...)
}
