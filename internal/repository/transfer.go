package repository

import (
	"context"
	"errors"

	"staging-engine/internal/domain"
)

var ErrNotFound = errors.New("transfer not found")

// TransferRepository exposes persistence operations for Transfer records.
type TransferRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, transfer *domain.Transfer) error
	UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errorMessage *string) error
	SaveContainer(ctx context.Context, id string, container *domain.Container) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Transfer, error)
	List(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
}

// TransferFileRepository manages the file manifest of a transfer.
type TransferFileRepository interface {
	Init(ctx context.Context) error
	SyncManifest(ctx context.Context, transferID string, files []domain.TransferFile) error
	ListByTransfer(ctx context.Context, transferID string) ([]domain.TransferFile, error)
}
