package coordinator

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"staging-engine/internal/domain"
	"staging-engine/internal/transfer"
)

// statusPersister mirrors engine status changes into the transfer record. Alive events
// refresh the record so stale transfers can be told apart from slow ones.
type statusPersister struct {
	m      *manager
	client *transfer.Client
}

func (p *statusPersister) StatusChanged(transferID string, _, new domain.TransferStatus) {
	var cause error
	if new.IsFailure() {
		cause = p.client.Err()
	}
	p.m.persistStatus(transferID, new, cause)
}

func (p *statusPersister) TransferAlive(transferID string) {
	p.m.persistStatus(transferID, p.client.Status(), nil)
}

func newTaskLogger(logger *logrus.Entry) transfer.TaskListener {
	return transfer.TaskFuncs{
		OnFinished: func(t *transfer.Task) {
			logger.WithField("task", t.String()).Debugf("copied %s", formatBytes(t.BytesCopied()))
		},
		OnFailed: func(t *transfer.Task, err error) {
			logger.WithField("task", t.String()).Warnf("copy failed after %d attempts: %v", t.Attempts(), err)
		},
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
