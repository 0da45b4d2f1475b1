package transfer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// CleanupManager removes local files registered for a transfer once it succeeded.
// Paths that cannot be removed right away are retried by a periodic sweep.
type CleanupManager struct {
	fs     afero.Fs
	logger *logrus.Logger

	mu         sync.Mutex
	registered map[string][]string
	deferred   map[string]struct{}

	cronMu sync.Mutex
	cron   *cron.Cron
}

func NewCleanupManager(fs afero.Fs, logger *logrus.Logger) *CleanupManager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CleanupManager{
		fs:         fs,
		logger:     logger,
		registered: make(map[string][]string),
		deferred:   make(map[string]struct{}),
	}
}

// Register schedules path for removal when transferID succeeds.
func (m *CleanupManager) Register(transferID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.registered[transferID] {
		if existing == path {
			return
		}
	}
	m.registered[transferID] = append(m.registered[transferID], path)
}

// Registered lists the paths waiting for transferID.
func (m *CleanupManager) Registered(transferID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registered[transferID]...)
}

// Perform removes everything registered for transferID. Failed removals are deferred.
func (m *CleanupManager) Perform(transferID string) error {
	m.mu.Lock()
	paths := m.registered[transferID]
	delete(m.registered, transferID)
	m.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := m.remove(p); err != nil {
			m.Defer(p)
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Forget drops the registrations of transferID without removing anything.
func (m *CleanupManager) Forget(transferID string) {
	m.mu.Lock()
	delete(m.registered, transferID)
	m.mu.Unlock()
}

// Defer queues path for the next sweep.
func (m *CleanupManager) Defer(path string) {
	m.mu.Lock()
	m.deferred[path] = struct{}{}
	m.mu.Unlock()
	m.logger.WithField("path", path).Warn("removal deferred")
}

// Pending lists deferred paths.
func (m *CleanupManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.deferred))
	for p := range m.deferred {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sweep retries every deferred removal and returns how many are still pending.
func (m *CleanupManager) Sweep() int {
	for _, p := range m.Pending() {
		if err := m.remove(p); err != nil {
			m.logger.WithField("path", p).Debugf("deferred removal failed again: %v", err)
			continue
		}
		m.mu.Lock()
		delete(m.deferred, p)
		m.mu.Unlock()
		m.logger.WithField("path", p).Info("deferred removal done")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

func (m *CleanupManager) remove(path string) error {
	if err := m.fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Start runs Sweep every interval until Stop is called.
func (m *CleanupManager) Start(interval time.Duration) {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil || interval <= 0 {
		return
	}
	m.cron = cron.New()
	m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { m.Sweep() }))
	m.cron.Start()
}

func (m *CleanupManager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
