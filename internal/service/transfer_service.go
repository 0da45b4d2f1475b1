package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
	"staging-engine/internal/staging"
)

var ErrInvalidInput = errors.New("invalid transfer request")

// FileInput is one file of a transfer request. Path is the location below the data
// collection and defaults to the last element of Source.
type FileInput struct {
	Source string `json:"source"`
	Path   string `json:"path,omitempty"`
}

type CreateTransferInput struct {
	Kind        domain.TransferKind    `json:"kind"`
	Destination string                 `json:"destination"`
	Files       []FileInput            `json:"files"`
	Settings    []string               `json:"settings,omitempty"`
	Processors  []domain.ProcessorSpec `json:"processors,omitempty"`
}

// TransferService coordinates transfer level operations backed by repositories.
type TransferService interface {
	CreateTransfer(ctx context.Context, in CreateTransferInput) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
	UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errMsg *string) error
	SaveContainer(ctx context.Context, id string, container *domain.Container) error
	DeleteTransfer(ctx context.Context, id string) error
}

type transferService struct {
	transfers  repository.TransferRepository
	files      repository.TransferFileRepository
	processors *staging.Registry
}

// NewTransferService wires the repositories. processors validates requested staging
// processors and defaults to staging.DefaultRegistry.
func NewTransferService(transfers repository.TransferRepository, files repository.TransferFileRepository, processors *staging.Registry) TransferService {
	if processors == nil {
		processors = staging.DefaultRegistry()
	}
	return &transferService{
		transfers:  transfers,
		files:      files,
		processors: processors,
	}
}

func (s *transferService) CreateTransfer(ctx context.Context, in CreateTransferInput) (*domain.Transfer, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	if err := validateLocation(in.Destination); err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrInvalidInput, err)
	}
	if len(in.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", ErrInvalidInput)
	}

	specs := make([]domain.ProcessorSpec, len(in.Processors))
	copy(specs, in.Processors)
	for i := range specs {
		if specs[i].UniqueIdentifier == "" {
			specs[i].UniqueIdentifier = specs[i].Name
		}
		// digests are recorded while ingesting, other kinds have nothing to verify against
		if in.Kind != domain.KindIngest && specs[i].Name == staging.HashProcessorName {
			return nil, fmt.Errorf("%w: processor %q requires an ingest", ErrInvalidInput, specs[i].Name)
		}
	}
	if _, err := s.processors.BuildAll(specs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id := uuid.NewString()
	container := domain.NewContainer(id, in.Kind)
	container.SetDestination(in.Destination)
	for _, f := range in.Files {
		if err := validateLocation(f.Source); err != nil {
			return nil, fmt.Errorf("%w: source: %v", ErrInvalidInput, err)
		}
		rel, err := relativePath(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := container.AddDataFile(f.Source, rel); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for _, lfn := range in.Settings {
		if err := validateLocation(lfn); err != nil {
			return nil, fmt.Errorf("%w: settings: %v", ErrInvalidInput, err)
		}
		if err := container.AddSettingsFile(lfn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	transfer := &domain.Transfer{
		ID:          id,
		Kind:        in.Kind,
		Status:      domain.StatusPending,
		Destination: in.Destination,
		Processors:  specs,
		Container:   container,
	}
	if err := s.transfers.Create(ctx, transfer); err != nil {
		return nil, err
	}
	transfer.Files = domain.Manifest(container)
	if err := s.files.SyncManifest(ctx, id, transfer.Files); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *transferService) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := s.transfers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	transfer.Files = files
	return transfer, nil
}

func (s *transferService) ListTransfers(ctx context.Context) ([]domain.Transfer, error) {
	return s.transfers.List(ctx)
}

func (s *transferService) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	return s.transfers.ListByStatuses(ctx, statuses...)
}

func (s *transferService) UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errMsg *string) error {
	return s.transfers.UpdateStatus(ctx, id, status, errMsg)
}

// SaveContainer stores the container and refreshes the file manifest from it.
func (s *transferService) SaveContainer(ctx context.Context, id string, container *domain.Container) error {
	if err := s.transfers.SaveContainer(ctx, id, container); err != nil {
		return err
	}
	return s.files.SyncManifest(ctx, id, domain.Manifest(container))
}

func (s *transferService) DeleteTransfer(ctx context.Context, id string) error {
	return s.transfers.Delete(ctx, id)
}

func validateLocation(location string) error {
	if location == "" {
		return errors.New("location is required")
	}
	u, err := url.Parse(location)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return fmt.Errorf("location %q has no scheme", location)
	}
	return nil
}

func relativePath(f FileInput) (string, error) {
	rel := f.Path
	if rel == "" {
		u, err := url.Parse(f.Source)
		if err != nil {
			return "", err
		}
		rel = path.Base(u.Path)
	}
	rel = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(rel, "\\", "/")), "/")
	if rel == "" || rel == "." {
		return "", fmt.Errorf("no file name for %s", f.Source)
	}
	for _, part := range strings.Split(f.Path, "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q leaves the data collection", f.Path)
		}
	}
	return rel, nil
}
