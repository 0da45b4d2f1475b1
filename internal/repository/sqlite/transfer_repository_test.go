package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "db", "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRepos(t *testing.T) (repository.TransferRepository, repository.TransferFileRepository) {
	t.Helper()
	db := openTestDB(t)
	transfers := NewTransferRepository(db)
	files := NewTransferFileRepository(db)
	require.NoError(t, Migrate(context.Background(), transfers, files))
	return transfers, files
}

func sampleTransfer(t *testing.T, id string) *domain.Transfer {
	t.Helper()
	c := domain.NewContainer(id, domain.KindIngest)
	c.SetDestination("file:///dest/" + id)
	require.NoError(t, c.AddDataFile("file:///src/a.bin", "a.bin"))
	return &domain.Transfer{
		ID:          id,
		Kind:        domain.KindIngest,
		Status:      domain.StatusPending,
		Destination: "file:///dest/" + id,
		Processors:  []domain.ProcessorSpec{{Name: "hash", UniqueIdentifier: "hash", Properties: map[string]string{"hash": "SHA256"}}},
		Container:   c,
	}
}

func TestTransferRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	transfers, _ := newRepos(t)

	in := sampleTransfer(t, "t-1")
	require.NoError(t, transfers.Create(ctx, in))
	assert.False(t, in.CreatedAt.IsZero())

	got, err := transfers.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindIngest, got.Kind)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, in.Processors, got.Processors)
	require.NotNil(t, got.Container)
	assert.Equal(t, "t-1", got.Container.TransferID())
	assert.Equal(t, "file:///dest/t-1", got.Container.Destination())
	assert.Len(t, got.Container.Files(domain.CollectionData), 1)
	assert.Nil(t, got.FinishedAt)

	_, err = transfers.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTransferRepositoryStatus(t *testing.T) {
	ctx := context.Background()
	transfers, _ := newRepos(t)
	require.NoError(t, transfers.Create(ctx, sampleTransfer(t, "t-1")))
	require.NoError(t, transfers.Create(ctx, sampleTransfer(t, "t-2")))

	require.NoError(t, transfers.UpdateStatus(ctx, "t-1", domain.StatusTransferring, nil))
	got, err := transfers.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, got.Status)
	assert.Nil(t, got.FinishedAt)

	msg := "copy failed"
	require.NoError(t, transfers.UpdateStatus(ctx, "t-2", domain.StatusTransferFailed, &msg))
	got, err = transfers.Get(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "copy failed", got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)

	active, err := transfers.ListByStatuses(ctx, domain.ActiveStatuses()...)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t-1", active[0].ID)

	none, err := transfers.ListByStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := transfers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, transfers.UpdateStatus(ctx, "missing", domain.StatusFailed, nil), repository.ErrNotFound)
}

func TestTransferRepositorySaveContainer(t *testing.T) {
	ctx := context.Background()
	transfers, _ := newRepos(t)
	in := sampleTransfer(t, "t-1")
	require.NoError(t, transfers.Create(ctx, in))

	in.Container.Close()
	require.NoError(t, in.Container.MarkFileTransferred("file:///src/a.bin", "file:///dest/t-1/data/a.bin"))
	require.NoError(t, transfers.SaveContainer(ctx, "t-1", in.Container))

	got, err := transfers.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, got.Container.IsClosed())
	files := got.Container.Files(domain.CollectionData)
	require.Len(t, files, 1)
	assert.True(t, files[0].Transferred)

	assert.ErrorIs(t, transfers.SaveContainer(ctx, "missing", in.Container), repository.ErrNotFound)
}

func TestTransferFilesAndDelete(t *testing.T) {
	ctx := context.Background()
	transfers, files := newRepos(t)
	in := sampleTransfer(t, "t-1")
	require.NoError(t, transfers.Create(ctx, in))

	require.NoError(t, files.SyncManifest(ctx, "t-1", domain.Manifest(in.Container)))
	require.NoError(t, files.SyncManifest(ctx, "t-1", domain.Manifest(in.Container)))
	listed, err := files.ListByTransfer(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.CollectionData, listed[0].Collection)
	assert.Equal(t, "a.bin", listed[0].Path)
	assert.Equal(t, "file:///src/a.bin", listed[0].LFN)
	assert.False(t, listed[0].Transferred)
	id := listed[0].ID

	progressed := []domain.TransferFile{
		{Collection: domain.CollectionData, Path: "a.bin", LFN: "file:///dest/t-1/data/a.bin", Transferred: true},
		{Collection: domain.CollectionGenerated, Path: "hash.proc", LFN: "file:///work/t-1/hash.proc"},
	}
	require.NoError(t, files.SyncManifest(ctx, "t-1", progressed))
	listed, err = files.ListByTransfer(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, id, listed[0].ID, "progress updates keep the row")
	assert.True(t, listed[0].Transferred)
	assert.Equal(t, "file:///dest/t-1/data/a.bin", listed[0].LFN)
	assert.Equal(t, domain.CollectionGenerated, listed[1].Collection)

	require.NoError(t, files.SyncManifest(ctx, "t-1", progressed[:1]))
	listed, err = files.ListByTransfer(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, listed, 1, "files gone from the manifest are dropped")

	require.NoError(t, transfers.Delete(ctx, "t-1"))
	listed, err = files.ListByTransfer(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.ErrorIs(t, transfers.Delete(ctx, "t-1"), repository.ErrNotFound)
}
