package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
)

// A file is identified by its place in the tree. Its id survives progress updates.
const createTransferFilesTable = `
CREATE TABLE IF NOT EXISTS transfer_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	path TEXT NOT NULL,
	lfn TEXT NOT NULL,
	transferred INTEGER NOT NULL DEFAULT 0,
	synced_at INTEGER NOT NULL,
	UNIQUE(transfer_id, collection, path),
	FOREIGN KEY(transfer_id) REFERENCES transfers(id) ON DELETE CASCADE
);
`

const upsertTransferFile = `
INSERT INTO transfer_files (transfer_id, collection, path, lfn, transferred, synced_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id, collection, path) DO UPDATE SET
	lfn = excluded.lfn,
	transferred = excluded.transferred,
	synced_at = excluded.synced_at`

type TransferFileRepository struct {
	db *sql.DB
}

func NewTransferFileRepository(db *sql.DB) repository.TransferFileRepository {
	return &TransferFileRepository{db: db}
}

func (r *TransferFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransferFilesTable); err != nil {
		return fmt.Errorf("create transfer_files table: %w", err)
	}
	return nil
}

// SyncManifest upserts the location and progress of every file and drops rows of files
// the manifest no longer carries.
func (r *TransferFileRepository) SyncManifest(ctx context.Context, transferID string, files []domain.TransferFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTransferFile)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	stamp := time.Now().UnixNano()
	for _, file := range files {
		if _, err := stmt.ExecContext(ctx, transferID, file.Collection, file.Path, file.LFN, file.Transferred, stamp); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", file.Collection, file.Path, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transfer_files WHERE transfer_id = ? AND synced_at <> ?`, transferID, stamp); err != nil {
		return fmt.Errorf("drop stale files: %w", err)
	}
	return tx.Commit()
}

// ListByTransfer returns the manifest grouped by collection in tree order.
func (r *TransferFileRepository) ListByTransfer(ctx context.Context, transferID string) ([]domain.TransferFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, transfer_id, collection, path, lfn, transferred
FROM transfer_files
WHERE transfer_id = ?
ORDER BY CASE collection WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END, path`,
		transferID, domain.CollectionData, domain.CollectionGenerated)
	if err != nil {
		return nil, fmt.Errorf("query transfer files: %w", err)
	}
	defer rows.Close()

	files := []domain.TransferFile{}
	for rows.Next() {
		var file domain.TransferFile
		if err := rows.Scan(&file.ID, &file.TransferID, &file.Collection, &file.Path, &file.LFN, &file.Transferred); err != nil {
			return nil, fmt.Errorf("scan transfer file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}
