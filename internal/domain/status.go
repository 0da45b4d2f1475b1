package domain

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	StatusPending                   TransferStatus = "PENDING"
	StatusRunning                   TransferStatus = "RUNNING"
	StatusPreparing                 TransferStatus = "PREPARING"
	StatusTransferring              TransferStatus = "TRANSFERRING"
	StatusCleanup                   TransferStatus = "CLEANUP"
	StatusSucceeded                 TransferStatus = "SUCCEEDED"
	StatusFailed                    TransferStatus = "FAILED"
	StatusCanceled                  TransferStatus = "CANCELED"
	StatusTransferLocked            TransferStatus = "TRANSFER_LOCKED"
	StatusInternalPreparationFailed TransferStatus = "INTERNAL_PREPARATION_FAILED"
	StatusExternalPreparationFailed TransferStatus = "EXTERNAL_PREPARATION_FAILED"
	StatusPreProcessingFailed       TransferStatus = "PRE_PROCESSING_FAILED"
	StatusTransferFailed            TransferStatus = "TRANSFER_FAILED"
)

var allStatuses = []TransferStatus{
	StatusPending,
	StatusRunning,
	StatusPreparing,
	StatusTransferring,
	StatusCleanup,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
	StatusTransferLocked,
	StatusInternalPreparationFailed,
	StatusExternalPreparationFailed,
	StatusPreProcessingFailed,
	StatusTransferFailed,
}

// Statuses returns every known status in declaration order.
func Statuses() []TransferStatus {
	out := make([]TransferStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is a known status.
func (s TransferStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is one of SUCCEEDED, FAILED or CANCELED.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsFailure reports whether s signals a failed transfer.
func (s TransferStatus) IsFailure() bool {
	switch s {
	case StatusFailed,
		StatusTransferLocked,
		StatusInternalPreparationFailed,
		StatusExternalPreparationFailed,
		StatusPreProcessingFailed,
		StatusTransferFailed:
		return true
	}
	return false
}

// IsActive reports whether a transfer in status s was interrupted while being worked on
// and can be picked up again.
func (s TransferStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPreparing, StatusTransferring, StatusCleanup:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses a restarted process resumes.
func ActiveStatuses() []TransferStatus {
	return []TransferStatus{StatusPending, StatusRunning, StatusPreparing, StatusTransferring, StatusCleanup}
}

func (s TransferStatus) String() string {
	return string(s)
}

// TransferKind tells which side of the repository a transfer moves data to.
type TransferKind string

const (
	KindIngest   TransferKind = "INGEST"
	KindDownload TransferKind = "DOWNLOAD"
	KindInternal TransferKind = "INTERNAL"
)

func (k TransferKind) Valid() bool {
	switch k {
	case KindIngest, KindDownload, KindInternal:
		return true
	}
	return false
}
