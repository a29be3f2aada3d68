// Package config handles loading and validating the application settings
// from config.yaml and the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"
	// Schedules name IANA zones; embed the database for minimal images.
	_ "time/tzdata"

	"github.com/BartekS5/retailetl/pkg/database"
)

// Archive backends.
const (
	BackendFile  = "file"
	BackendMinIO = "minio"
)

// Config holds all configuration for the application.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Database DatabaseConfig `mapstructure:"database"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Erasure  ErasureConfig  `mapstructure:"erasure"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type PathsConfig struct {
	Raw       string `mapstructure:"raw"`
	Processed string `mapstructure:"processed"`
	Archive   string `mapstructure:"archive"`
	// ProcessedArchive defaults to <Archive>/processed.
	ProcessedArchive string `mapstructure:"processed_archive"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Schema       string `mapstructure:"schema"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// MongoConfig enables the document mirror when URI is set.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type LeaseConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ErasureConfig struct {
	ArchiveArtifacts bool `mapstructure:"archive_artifacts"`
}

// ScheduleConfig holds cron specs with a leading seconds field.
type ScheduleConfig struct {
	Timezone     string `mapstructure:"timezone"`
	Customers    string `mapstructure:"customers"`
	Products     string `mapstructure:"products"`
	Transactions string `mapstructure:"transactions"`
	Erasure      string `mapstructure:"erasure"`
}

// Default returns the settings used when neither config.yaml nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			Raw:       "raw_data",
			Processed: "processed_data",
			Archive:   "archived_data",
		},
		Database: DatabaseConfig{
			Driver:   string(database.Postgres),
			Schema:   "data",
			MaxConns: 5,
		},
		Mongo:   MongoConfig{Database: "retail"},
		Archive: ArchiveConfig{Backend: BackendFile},
		Log:     LogConfig{Level: "info", Format: "console"},
		Lease:   LeaseConfig{TTL: 10 * time.Minute},
		Erasure: ErasureConfig{ArchiveArtifacts: true},
		Schedule: ScheduleConfig{
			Timezone:     "Europe/Zagreb",
			Customers:    "0 0 * * * *",
			Transactions: "0 0 * * * *",
			Products:     "0 0 0 * * *",
			Erasure:      "0 0 1 * * *",
		},
	}
}

// Validate fills derived defaults and rejects settings the jobs cannot run
// with.
func (c *Config) Validate() error {
	if c.Paths.Raw == "" || c.Paths.Processed == "" || c.Paths.Archive == "" {
		return fmt.Errorf("paths.raw, paths.processed and paths.archive are required")
	}
	if c.Paths.ProcessedArchive == "" {
		c.Paths.ProcessedArchive = filepath.Join(c.Paths.Archive, "processed")
	}

	if _, err := database.ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxConns < database.MinPoolSize || c.Database.MaxConns > database.MaxPoolSize {
		return fmt.Errorf("database.max_conns must be between %d and %d, got %d",
			database.MinPoolSize, database.MaxPoolSize, c.Database.MaxConns)
	}

	switch c.Archive.Backend {
	case BackendFile:
	case BackendMinIO:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("archive.backend %q needs minio.endpoint and minio.bucket", BackendMinIO)
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}

	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

// SQL converts the database section for pkg/database.
func (c *Config) SQL() database.SQLConfig {
	return database.SQLConfig{
		Dialect:      database.Dialect(c.Database.Driver),
		DSN:          c.Database.DSN,
		MaxConns:     c.Database.MaxConns,
		MaxIdleConns: c.Database.MaxIdleConns,
	}
}

func (c *Config) ObjectStorage() database.MinIOConfig {
	return database.MinIOConfig{
		Endpoint:  c.MinIO.Endpoint,
		AccessKey: c.MinIO.AccessKey,
		SecretKey: c.MinIO.SecretKey,
		UseSSL:    c.MinIO.UseSSL,
		Bucket:    c.MinIO.Bucket,
	}
}
