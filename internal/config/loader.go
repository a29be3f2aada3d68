package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/BartekS5/retailetl/pkg/logger"
)

// EnvPrefix namespaces environment overrides, e.g. RETAILETL_DATABASE_DSN.
const EnvPrefix = "RETAILETL"

// Load reads config.yaml from configPath when present, applies environment
// overrides on top and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	// Variable names used by earlier deployments.
	if err := v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN", "SQL_CONNECTION_STRING"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("mongo.uri", EnvPrefix+"_MONGO_URI", "MONGO_CONNECTION_STRING"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Info("No config.yaml found, using defaults and env vars")
	} else {
		logger.Infof("Loaded %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from config.yaml.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("paths.raw", d.Paths.Raw)
	v.SetDefault("paths.processed", d.Paths.Processed)
	v.SetDefault("paths.archive", d.Paths.Archive)
	v.SetDefault("paths.processed_archive", d.Paths.ProcessedArchive)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.schema", d.Database.Schema)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)

	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)

	v.SetDefault("minio.endpoint", d.MinIO.Endpoint)
	v.SetDefault("minio.access_key", d.MinIO.AccessKey)
	v.SetDefault("minio.secret_key", d.MinIO.SecretKey)
	v.SetDefault("minio.use_ssl", d.MinIO.UseSSL)
	v.SetDefault("minio.bucket", d.MinIO.Bucket)

	v.SetDefault("archive.backend", d.Archive.Backend)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)

	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
	v.SetDefault("lease.ttl", d.Lease.TTL)
	v.SetDefault("erasure.archive_artifacts", d.Erasure.ArchiveArtifacts)

	v.SetDefault("schedule.timezone", d.Schedule.Timezone)
	v.SetDefault("schedule.customers", d.Schedule.Customers)
	v.SetDefault("schedule.products", d.Schedule.Products)
	v.SetDefault("schedule.transactions", d.Schedule.Transactions)
	v.SetDefault("schedule.erasure", d.Schedule.Erasure)
}
