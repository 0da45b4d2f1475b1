package transfer

import (
	"staging-engine/internal/domain"
)

// inPrepareWindow and inPerformWindow mark the statuses in which the status may change.
// Every other status is final for the run.
func inPrepareWindow(s domain.TransferStatus) bool {
	return s == domain.StatusPending || s == domain.StatusRunning || s == domain.StatusPreparing
}

func inPerformWindow(s domain.TransferStatus) bool {
	return s == domain.StatusTransferring || s == domain.StatusCleanup
}

func mutable(s domain.TransferStatus) bool {
	return inPrepareWindow(s) || inPerformWindow(s)
}

func (c *Client) Status() domain.TransferStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// setStatus applies next if the current status is mutable. A pending cancellation turns
// any accepted change into CANCELED. It reports whether the status changed.
func (c *Client) setStatus(next domain.TransferStatus) bool {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.statusMu.Lock()
	old := c.status
	if !mutable(old) {
		c.statusMu.Unlock()
		c.logger.Debugf("ignoring status %s, transfer is %s", next, old)
		return false
	}
	if c.canceled.Load() {
		next = domain.StatusCanceled
	}
	if next == old {
		c.statusMu.Unlock()
		return false
	}
	c.status = next
	c.statusMu.Unlock()

	c.logger.WithField("status", next).Infof("status %s -> %s", old, next)
	c.kind.OnStatusChanged(c, old, next)
	for _, l := range c.statusListeners.snapshot() {
		l.StatusChanged(c.id, old, next)
	}
	return true
}

func (c *Client) fireAlive() {
	c.kind.OnAlive(c)
	for _, l := range c.statusListeners.snapshot() {
		l.TransferAlive(c.id)
	}
}
