package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
)

const createTransfersTable = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	processors TEXT NOT NULL DEFAULT '[]',
	container TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
`

const selectTransfer = `
SELECT id, kind, status, destination, processors, container, error_message, created_at, updated_at, finished_at
FROM transfers`

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) repository.TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransfersTable); err != nil {
		return fmt.Errorf("create transfers table: %w", err)
	}
	return nil
}

func (r *TransferRepository) Create(ctx context.Context, transfer *domain.Transfer) error {
	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now

	processors, err := encodeProcessors(transfer.Processors)
	if err != nil {
		return err
	}
	container, err := encodeContainer(transfer.Container)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO transfers (id, kind, status, destination, processors, container, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.ID,
		string(transfer.Kind),
		string(transfer.Status),
		transfer.Destination,
		processors,
		container,
		transfer.ErrorMessage,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// UpdateStatus stores status; leaving the active statuses stamps finished_at.
func (r *TransferRepository) UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errorMessage *string) error {
	now := time.Now().UTC()
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	var finishedAt *time.Time
	if !status.IsActive() {
		finishedAt = &now
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE transfers
SET status=?, error_message=?, updated_at=?, finished_at=?
WHERE id=?`,
		string(status),
		msg,
		now,
		nullTime(finishedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	return expectRow(res, id)
}

func (r *TransferRepository) SaveContainer(ctx context.Context, id string, container *domain.Container) error {
	data, err := encodeContainer(container)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE transfers
SET container=?, updated_at=?
WHERE id=?`,
		data,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("save container: %w", err)
	}
	return expectRow(res, id)
}

func (r *TransferRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, id); err != nil {
		return fmt.Errorf("delete transfer files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete transfer: %w", err)
	}
	if err := expectRow(res, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer delete: %w", err)
	}
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx, selectTransfer+`
WHERE id=?`, id)
	return scanTransfer(row)
}

func (r *TransferRepository) List(ctx context.Context) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, selectTransfer+`
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (r *TransferRepository) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	if len(statuses) == 0 {
		return []domain.Transfer{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(selectTransfer+`
WHERE status IN (%s)
ORDER BY created_at ASC, id ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers by status: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]domain.Transfer, error) {
	transfers := []domain.Transfer{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

func scanTransfer(scanner interface {
	Scan(dest ...any) error
}) (*domain.Transfer, error) {
	var (
		transfer   domain.Transfer
		kind       string
		status     string
		processors string
		container  string
		createdAt  time.Time
		updatedAt  time.Time
		finishedAt sql.NullTime
	)

	if err := scanner.Scan(
		&transfer.ID,
		&kind,
		&status,
		&transfer.Destination,
		&processors,
		&container,
		&transfer.ErrorMessage,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}

	transfer.Kind = domain.TransferKind(kind)
	transfer.Status = domain.TransferStatus(status)
	transfer.CreatedAt = createdAt.Local()
	transfer.UpdatedAt = updatedAt.Local()
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		transfer.FinishedAt = &t
	}
	if processors != "" {
		if err := json.Unmarshal([]byte(processors), &transfer.Processors); err != nil {
			return nil, fmt.Errorf("decode processors of %s: %w", transfer.ID, err)
		}
	}
	if container != "" {
		transfer.Container = &domain.Container{}
		if err := json.Unmarshal([]byte(container), transfer.Container); err != nil {
			return nil, fmt.Errorf("decode container of %s: %w", transfer.ID, err)
		}
	}
	return &transfer, nil
}

func encodeProcessors(specs []domain.ProcessorSpec) (string, error) {
	if specs == nil {
		specs = []domain.ProcessorSpec{}
	}
	data, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("encode processors: %w", err)
	}
	return string(data), nil
}

func encodeContainer(c *domain.Container) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode container: %w", err)
	}
	return string(data), nil
}

func expectRow(res sql.Result, id string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
