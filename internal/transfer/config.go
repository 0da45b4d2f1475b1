package transfer

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"staging-engine/internal/transport"
)

const (
	DefaultMaxParallelTransfers = 10
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultAliveInterval        = 10 * time.Minute
	DefaultCheckpointInterval   = time.Minute
	DefaultTaskAttempts         = 3
	DefaultTaskRetryDelay       = 10 * time.Second
)

// Config carries everything an engine needs besides the transfer itself.
type Config struct {
	// WorkRoot holds one working directory per transfer.
	WorkRoot string
	// FS backs the working directories and is handed to staging processors.
	FS       afero.Fs
	Resolver transport.Resolver

	MaxParallelTransfers int
	PollInterval         time.Duration
	AliveInterval        time.Duration
	CheckpointInterval   time.Duration
	StartDelay           time.Duration

	TaskAttempts int
	// TaskRetryDelay separates copy attempts; negative disables the delay.
	TaskRetryDelay time.Duration
	BufferSize     int

	Cleanup *CleanupManager
	Logger  *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.FS == nil {
		c.FS = afero.NewOsFs()
	}
	if c.MaxParallelTransfers <= 0 {
		c.MaxParallelTransfers = DefaultMaxParallelTransfers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AliveInterval <= 0 {
		c.AliveInterval = DefaultAliveInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.TaskAttempts <= 0 {
		c.TaskAttempts = DefaultTaskAttempts
	}
	if c.TaskRetryDelay == 0 {
		c.TaskRetryDelay = DefaultTaskRetryDelay
	} else if c.TaskRetryDelay < 0 {
		c.TaskRetryDelay = 0
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}
