package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"staging-engine/internal/domain"
	"staging-engine/internal/staging"
	"staging-engine/internal/transport"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	fs       afero.Fs
	registry *transport.Registry
	resolver *hookedResolver
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	reg := transport.NewRegistry()
	reg.Register(transport.LocalScheme, transport.NewLocalBackend(fs))
	resolver := &hookedResolver{inner: reg}
	return &fixture{
		fs:       fs,
		registry: reg,
		resolver: resolver,
		cfg: Config{
			WorkRoot:             "/work",
			FS:                   fs,
			Resolver:             resolver,
			MaxParallelTransfers: 2,
			PollInterval:         2 * time.Millisecond,
			TaskRetryDelay:       -1,
			Logger:               quietLogger(),
		},
	}
}

// container creates n source files and an open container pointing at /dest.
func (f *fixture) container(t *testing.T, id string, kind domain.TransferKind, n int) *domain.Container {
	t.Helper()
	c := domain.NewContainer(id, kind)
	c.SetDestination("file:///dest")
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("/src/%s/file-%02d.bin", id, i)
		require.NoError(t, afero.WriteFile(f.fs, p, []byte(fmt.Sprintf("content %d", i)), 0o644))
		require.NoError(t, c.AddDataFile(transport.LocalURL(p), fmt.Sprintf("file-%02d.bin", i)))
	}
	return c
}

func (f *fixture) client(t *testing.T, c *domain.Container) *Client {
	t.Helper()
	kind, err := NewKind(c.Kind(), nil)
	require.NoError(t, err)
	client, err := New(c, kind, f.cfg)
	require.NoError(t, err)
	return client
}

// hookedResolver lets tests intercept reads of source files.
type hookedResolver struct {
	inner  transport.Resolver
	onOpen func(location string) error
}

func (r *hookedResolver) Resolve(location string) (transport.Handle, error) {
	h, err := r.inner.Resolve(location)
	if err != nil {
		return nil, err
	}
	return &hookedHandle{Handle: h, r: r}, nil
}

type hookedHandle struct {
	transport.Handle
	r *hookedResolver
}

func (h *hookedHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	if h.r.onOpen != nil {
		if err := h.r.onOpen(h.URL()); err != nil {
			return nil, err
		}
	}
	return h.Handle.Open(ctx)
}

// statusRecorder collects status events.
type statusRecorder struct {
	mu      sync.Mutex
	changes []domain.TransferStatus
	alive   int
}

func (r *statusRecorder) StatusChanged(_ string, _, new domain.TransferStatus) {
	r.mu.Lock()
	r.changes = append(r.changes, new)
	r.mu.Unlock()
}

func (r *statusRecorder) TransferAlive(string) {
	r.mu.Lock()
	r.alive++
	r.mu.Unlock()
}

func (r *statusRecorder) sequence() []domain.TransferStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransferStatus{domain.StatusPending}, r.changes...)
}

func (r *statusRecorder) aliveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// taskCounter counts task events.
type taskCounter struct {
	mu       sync.Mutex
	started  int
	finished int
	failed   int
	onStart  func()
}

func (c *taskCounter) TaskStarted(*Task) {
	c.mu.Lock()
	c.started++
	hook := c.onStart
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *taskCounter) TaskFinished(*Task) {
	c.mu.Lock()
	c.finished++
	c.mu.Unlock()
}

func (c *taskCounter) TaskFailed(*Task, error) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *taskCounter) counts() (started, finished, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.finished, c.failed
}

// recordingProcessor logs the phases it runs through into a shared journal.
type recordingProcessor struct {
	uid     string
	journal *[]string
	mu      *sync.Mutex
	failPre error
	panics  bool
	onPre   func(ws *staging.Workspace)
}

func newRecordingProcessor(uid string, journal *[]string, mu *sync.Mutex) *recordingProcessor {
	return &recordingProcessor{uid: uid, journal: journal, mu: mu}
}

func (p *recordingProcessor) record(phase string) {
	p.mu.Lock()
	*p.journal = append(*p.journal, p.uid+":"+phase)
	p.mu.Unlock()
}

func (p *recordingProcessor) UniqueIdentifier() string           { return p.uid }
func (p *recordingProcessor) Name() string                       { return "recording" }
func (p *recordingProcessor) PropertyKeys() []string             { return nil }
func (p *recordingProcessor) PropertyDescription(string) string  { return "" }
func (p *recordingProcessor) Validate(staging.Properties) error  { return nil }
func (p *recordingProcessor) Configure(staging.Properties) error { return nil }

func (p *recordingProcessor) PerformPreTransferProcessing(_ context.Context, ws *staging.Workspace, _ *domain.Container) error {
	p.record("pre")
	if p.panics {
		panic("processor exploded")
	}
	if p.onPre != nil {
		p.onPre(ws)
	}
	return p.failPre
}

func (p *recordingProcessor) FinalizePreTransferProcessing(context.Context, *staging.Workspace, *domain.Container) error {
	p.record("finalize-pre")
	return nil
}

func (p *recordingProcessor) PerformPostTransferProcessing(context.Context, *staging.Workspace, *domain.Container) error {
	p.record("post")
	return nil
}

func (p *recordingProcessor) FinalizePostTransferProcessing(context.Context, *staging.Workspace, *domain.Container) error {
	p.record("finalize-post")
	return nil
}

var _ staging.Processor = (*recordingProcessor)(nil)
