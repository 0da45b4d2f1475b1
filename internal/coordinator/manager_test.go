package coordinator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
	"staging-engine/internal/repository/sqlite"
	"staging-engine/internal/service"
	"staging-engine/internal/transfer"
	"staging-engine/internal/transport"
)

type harness struct {
	fs      afero.Fs
	svc     service.TransferService
	manager Manager
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	transfers := sqlite.NewTransferRepository(db)
	files := sqlite.NewTransferFileRepository(db)
	require.NoError(t, sqlite.Migrate(context.Background(), transfers, files))
	svc := service.NewTransferService(transfers, files, nil)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fs := afero.NewMemMapFs()
	reg := transport.NewRegistry()
	reg.Register(transport.LocalScheme, transport.NewLocalBackend(fs))

	cfg := Config{
		MaxConcurrent: 2,
		Engine: transfer.Config{
			WorkRoot:       "/work",
			FS:             fs,
			Resolver:       reg,
			PollInterval:   2 * time.Millisecond,
			TaskRetryDelay: -1,
			Cleanup:        transfer.NewCleanupManager(fs, logger),
		},
		Logger: logger,
	}
	return &harness{fs: fs, svc: svc, cfg: cfg, manager: NewManager(cfg, svc)}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Start(context.Background()))
	t.Cleanup(h.manager.Shutdown)
}

func (h *harness) create(t *testing.T, kind domain.TransferKind, dest string, n int, processors ...domain.ProcessorSpec) *domain.Transfer {
	t.Helper()
	var files []service.FileInput
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("/incoming/%s/file-%02d.bin", strings.ToLower(string(kind)), i)
		require.NoError(t, afero.WriteFile(h.fs, p, []byte(fmt.Sprintf("payload %d", i)), 0o644))
		files = append(files, service.FileInput{Source: transport.LocalURL(p)})
	}
	tr, err := h.svc.CreateTransfer(context.Background(), service.CreateTransferInput{
		Kind:        kind,
		Destination: transport.LocalURL(dest),
		Files:       files,
		Processors:  processors,
	})
	require.NoError(t, err)
	return tr
}

func (h *harness) waitFor(t *testing.T, id string, want domain.TransferStatus) *domain.Transfer {
	t.Helper()
	var last *domain.Transfer
	require.Eventually(t, func() bool {
		tr, err := h.svc.GetTransfer(context.Background(), id)
		if err != nil {
			return false
		}
		last = tr
		_, active := h.manager.Info(id)
		return tr.Status == want && !active
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestEnqueueBeforeStart(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.Enqueue(context.Background(), "t-1"), ErrNotStarted)
	assert.ErrorIs(t, h.manager.Resume(context.Background()), ErrNotStarted)
}

func TestIngestWithHashVerification(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	tr := h.create(t, domain.KindIngest, "/repo/run-1", 3,
		domain.ProcessorSpec{Name: "hash", Properties: map[string]string{"hash": "SHA256"}})

	require.NoError(t, h.manager.Enqueue(context.Background(), tr.ID))
	got := h.waitFor(t, tr.ID, domain.StatusSucceeded)

	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.True(t, got.Container.IsClosed())
	for i := 0; i < 3; i++ {
		data, err := afero.ReadFile(h.fs, fmt.Sprintf("/repo/run-1/data/file-%02d.bin", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload %d", i), string(data))
	}
	digests, err := afero.ReadFile(h.fs, "/repo/run-1/generated/hash.proc")
	require.NoError(t, err)
	assert.Contains(t, string(digests), "#Digest Algorithm: SHA256")

	require.Len(t, got.Files, 4)
	for _, f := range got.Files {
		assert.True(t, f.Transferred, f.Path)
	}

	workDir, err := afero.DirExists(h.fs, "/work/"+tr.ID)
	require.NoError(t, err)
	assert.False(t, workDir)
}

func TestDownloadWithArchive(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	tr := h.create(t, domain.KindDownload, "/outbox/dl-1", 2,
		domain.ProcessorSpec{Name: "archive", Properties: map[string]string{"format": "zip"}})

	require.NoError(t, h.manager.Enqueue(context.Background(), tr.ID))
	h.waitFor(t, tr.ID, domain.StatusSucceeded)

	entries, err := afero.ReadDir(h.fs, "/outbox/dl-1/data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".zip"))
}

func TestLockedTransferIsPersisted(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	tr := h.create(t, domain.KindIngest, "/repo/run-2", 1)
	require.NoError(t, transfer.NewWorkDir(h.fs, "/work", tr.ID).Lock())

	require.NoError(t, h.manager.Enqueue(context.Background(), tr.ID))
	got := h.waitFor(t, tr.ID, domain.StatusTransferLocked)
	assert.Contains(t, got.ErrorMessage, "locked")
	assert.NotNil(t, got.FinishedAt)
}

func TestResumeRunsActiveTransfers(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()
	first := h.create(t, domain.KindInternal, "/shared", 1)
	second := h.create(t, domain.KindIngest, "/repo/run-3", 2)
	done := h.create(t, domain.KindIngest, "/repo/run-4", 1)
	require.NoError(t, afero.WriteFile(h.fs, "/shared/.keep", nil, 0o644))
	require.NoError(t, h.svc.UpdateStatus(ctx, second.ID, domain.StatusTransferring, nil))
	require.NoError(t, h.svc.UpdateStatus(ctx, done.ID, domain.StatusSucceeded, nil))

	require.NoError(t, h.manager.Resume(ctx))
	h.waitFor(t, first.ID, domain.StatusSucceeded)
	h.waitFor(t, second.ID, domain.StatusSucceeded)

	exists, err := afero.Exists(h.fs, "/repo/run-4/data/file-00.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFailedTransferKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	tr := h.create(t, domain.KindIngest, "/repo/run-7", 2)
	require.NoError(t, h.fs.Remove("/incoming/ingest/file-01.bin"))

	require.NoError(t, h.manager.Enqueue(context.Background(), tr.ID))
	got := h.waitFor(t, tr.ID, domain.StatusTransferFailed)
	assert.Contains(t, got.ErrorMessage, "file-01.bin")

	wd := transfer.NewWorkDir(h.fs, "/work", tr.ID)
	assert.True(t, wd.HasCheckpoint())
	locked, err := wd.Locked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCancelInactiveTransfer(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()
	tr := h.create(t, domain.KindIngest, "/repo/run-5", 1)

	require.NoError(t, h.manager.Cancel(ctx, tr.ID))
	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)

	// canceled transfers are not resumed
	require.NoError(t, h.manager.Resume(ctx))
	_, active := h.manager.Info(tr.ID)
	assert.False(t, active)

	assert.ErrorIs(t, h.manager.Cancel(ctx, "missing"), repository.ErrNotFound)
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()
	tr := h.create(t, domain.KindIngest, "/repo/run-6", 1)
	require.NoError(t, h.manager.Enqueue(ctx, tr.ID))
	h.waitFor(t, tr.ID, domain.StatusSucceeded)

	require.NoError(t, h.manager.Purge(ctx, tr.ID, true))
	_, err := h.svc.GetTransfer(ctx, tr.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	exists, err := afero.DirExists(h.fs, "/repo/run-6")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "2.0MiB", formatBytes(2<<20))
}
