package cli

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/BartekS5/retailetl/internal/archive"
	"github.com/BartekS5/retailetl/internal/config"
	"github.com/BartekS5/retailetl/internal/erasure"
	"github.com/BartekS5/retailetl/internal/etl"
	"github.com/BartekS5/retailetl/internal/metrics"
	"github.com/BartekS5/retailetl/internal/mirror"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/pkg/database"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
)

// app holds the process-wide resources shared by every job of one command.
type app struct {
	cfg      *config.Config
	pool     *database.Pool
	mongo    *mongo.Client
	archiver archive.Archiver
	mirror   mirror.Mirror
	metrics  *metrics.Metrics
	owner    string
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := database.ConnectSQL(ctx, cfg.SQL())
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		pool:     pool,
		archiver: archive.NewFileArchiver(cfg.Paths.Archive),
		mirror:   mirror.Nop{},
		metrics:  metrics.New(),
		owner:    uuid.NewString(),
	}

	if cfg.Archive.Backend == config.BackendMinIO {
		client, err := database.ConnectMinIO(ctx, cfg.ObjectStorage())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.archiver = archive.NewObjectArchiver(client, cfg.MinIO.Bucket)
	}

	if cfg.Mongo.URI != "" {
		client, err := database.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mongo = client
		a.mirror = mirror.NewMongoMirror(client, cfg.Mongo.Database)
	}

	logger.Infof("Process owner id: %s", a.owner)
	return a, nil
}

func (a *app) Close() {
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mongo.Disconnect(ctx); err != nil {
			logger.Warnf("Failed to disconnect from MongoDB: %v", err)
		}
	}
	if err := a.pool.Close(); err != nil {
		logger.Warnf("Failed to close SQL pool: %v", err)
	}
}

// withStore checks out one connection for the whole job.
func (a *app) withStore(ctx context.Context, fn func(*store.Store) error) error {
	return a.pool.WithConn(ctx, func(conn *sql.Conn) error {
		return fn(store.New(conn, store.Options{
			Dialect: a.pool.Dialect(),
			Schema:  a.cfg.Database.Schema,
		}))
	})
}

func (a *app) runDatasets(ctx context.Context, datasets []models.Dataset, dryRun bool) error {
	defer a.flushMetrics()
	return a.withStore(ctx, func(s *store.Store) error {
		for _, dataset := range datasets {
			p := etl.NewPipeline(partition.NewScanner(a.cfg.Paths.Raw), s, a.archiver, a.cfg.Paths.Processed)
			p.ProcessedArchive = a.cfg.Paths.ProcessedArchive
			p.Mirror = a.mirror
			p.Metrics = a.metrics
			p.Owner = a.owner
			p.LeaseTTL = a.cfg.Lease.TTL
			p.DryRun = dryRun

			fmt.Printf("Starting %s job...\n", dataset)
			report, err := p.Run(ctx, dataset)
			if err != nil {
				return fmt.Errorf("%s job failed: %w", dataset, err)
			}
			fmt.Printf("%s job finished: %d partitions, %d valid, %d invalid.\n",
				dataset, report.Partitions, report.Valid, report.Invalid)
		}
		return nil
	})
}

func (a *app) runErasure(ctx context.Context, archiveArtifacts bool) error {
	defer a.flushMetrics()
	return a.withStore(ctx, func(s *store.Store) error {
		r := erasure.NewReconciler(
			partition.NewScanner(a.cfg.Paths.Raw),
			s,
			a.archiver,
			archive.NewFileArchiver(a.cfg.Paths.ProcessedArchive),
			erasure.Locator{ProcessedRoot: a.cfg.Paths.Processed, ProcessedArchive: a.cfg.Paths.ProcessedArchive},
		)
		r.Mirror = a.mirror
		r.Metrics = a.metrics
		r.Owner = a.owner
		r.LeaseTTL = a.cfg.Lease.TTL
		r.ArchiveArtifacts = archiveArtifacts

		fmt.Println("Starting erasure job...")
		report, err := r.Run(ctx)
		if err != nil {
			return fmt.Errorf("erasure job failed: %w", err)
		}
		fmt.Printf("Erasure job finished: %d queued, %d applied, %d unresolved, %d failed.\n",
			report.Enqueued, report.Applied, report.Unresolved, report.Failed)
		return nil
	})
}

func (a *app) flushMetrics() {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		logger.Warnf("Failed to write metrics to %s: %v", a.cfg.Metrics.Textfile, err)
	}
}
