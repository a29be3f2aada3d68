package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/BartekS5/retailetl/pkg/logger"
)

const (
	MinPoolSize = 1
	MaxPoolSize = 10
)

// SQLConfig describes the relational store.
type SQLConfig struct {
	Dialect      Dialect
	DSN          string
	MaxConns     int
	MaxIdleConns int
}

// Pool is the process-wide connection pool. Jobs borrow one connection for
// their whole run through WithConn.
type Pool struct {
	db      *sql.DB
	dialect Dialect
}

// NewPool wraps an already opened handle. Tests use it with sqlmock.
func NewPool(db *sql.DB, dialect Dialect) *Pool {
	return &Pool{db: db, dialect: dialect}
}

// ConnectSQL opens the pool and checks that the server answers.
func ConnectSQL(ctx context.Context, cfg SQLConfig) (*Pool, error) {
	if cfg.MaxConns < MinPoolSize || cfg.MaxConns > MaxPoolSize {
		return nil, fmt.Errorf("pool size %d outside [%d, %d]", cfg.MaxConns, MinPoolSize, MaxPoolSize)
	}
	driver, err := cfg.Dialect.DriverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening SQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	idle := cfg.MaxIdleConns
	if idle <= 0 || idle > cfg.MaxConns {
		idle = cfg.MaxConns
	}
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to SQL database (ping failed): %w", err)
	}

	logger.Infof("Connected to %s database (pool size %d)", cfg.Dialect, cfg.MaxConns)
	return NewPool(db, cfg.Dialect), nil
}

func (p *Pool) Dialect() Dialect { return p.dialect }

// WithConn checks out a single connection, runs fn with it and returns it to
// the pool on every exit path, panics included.
func (p *Pool) WithConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warnf("Failed to release connection: %v", cerr)
		}
	}()
	return fn(conn)
}

func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

func (p *Pool) Close() error { return p.db.Close() }

// ConnectMongo connects the optional document mirror.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error creating MongoDB client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)

		return nil, fmt.Errorf("error connecting to MongoDB (ping failed): %w", err)
	}

	logger.Info("Connected to MongoDB.")
	return client, nil
}

// MinIOConfig holds object storage settings for archive uploads.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// ConnectMinIO builds a client and makes sure the archive bucket exists.
func ConnectMinIO(ctx context.Context, cfg MinIOConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check failed: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket failed: %w", err)
		}
	}
	return client, nil
}
