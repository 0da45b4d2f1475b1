package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Log struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
	Transfer struct {
		WorkRoot           string
		MaxParallel        int
		MaxConcurrent      int
		PollInterval       time.Duration
		AliveInterval      time.Duration
		CheckpointInterval time.Duration
		TaskAttempts       int
		TaskRetryDelay     time.Duration
		BufferSize         int
		SweepInterval      time.Duration
	}
	Storage struct {
		Enabled  bool
		Region   string
		Endpoint string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret string
	}
}

// Load reads configuration from environment variables and optional config files in dir.
// An empty dir means the working directory.
func Load(dir string) (Config, error) {
	if dir == "" {
		dir = "."
	}
	if err := godotenv.Load(dir + "/.env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STAGING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/staging.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxsizemb", 100)
	v.SetDefault("log.maxbackups", 5)
	v.SetDefault("log.maxagedays", 30)
	v.SetDefault("transfer.workroot", "data/work")
	v.SetDefault("transfer.maxparallel", 10)
	v.SetDefault("transfer.maxconcurrent", 3)
	v.SetDefault("transfer.pollinterval", 100*time.Millisecond)
	v.SetDefault("transfer.aliveinterval", 10*time.Minute)
	v.SetDefault("transfer.checkpointinterval", time.Minute)
	v.SetDefault("transfer.taskattempts", 3)
	v.SetDefault("transfer.taskretrydelay", 10*time.Second)
	v.SetDefault("transfer.buffersize", 1<<20)
	v.SetDefault("transfer.sweepinterval", 5*time.Minute)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")

	v.SetConfigName("config")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Transfer.WorkRoot) == "" {
		return errors.New("transfer.workroot is required")
	}
	if c.Transfer.MaxParallel < 1 {
		return fmt.Errorf("transfer.maxparallel must be positive, got %d", c.Transfer.MaxParallel)
	}
	if c.Transfer.MaxConcurrent < 1 {
		return fmt.Errorf("transfer.maxconcurrent must be positive, got %d", c.Transfer.MaxConcurrent)
	}
	return nil
}
