package etl

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BartekS5/retailetl/internal/archive"
	"github.com/BartekS5/retailetl/internal/metrics"
	"github.com/BartekS5/retailetl/internal/mirror"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
)

// DefaultLeaseTTL bounds how long a crashed run can block a partition.
const DefaultLeaseTTL = 10 * time.Minute

// Pipeline runs Extract → Validate → Persist → Archive for one dataset over
// every raw partition.
type Pipeline struct {
	Scanner       *partition.Scanner
	Extractor     Extractor
	Validator     *Validator
	Repo          store.Repository
	Archiver      archive.Archiver
	Mirror        mirror.Mirror
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	ProcessedRoot string
	// ProcessedArchive holds artifacts moved out of ProcessedRoot after an
	// erasure; re-runs merge with them instead of starting over.
	ProcessedArchive string
	// Owner identifies this process in partition leases.
	Owner    string
	LeaseTTL time.Duration
	DryRun   bool
}

// Report summarises one Run.
type Report struct {
	Dataset    models.Dataset
	Partitions int
	Valid      int
	Invalid    int
}

func NewPipeline(scanner *partition.Scanner, repo store.Repository, archiver archive.Archiver, processedRoot string) *Pipeline {
	clk := clock.New()
	return &Pipeline{
		Scanner:       scanner,
		Extractor:     NewFileExtractor(scanner),
		Validator:     NewValidator(repo, clk),
		Repo:          repo,
		Archiver:      archiver,
		Mirror:        mirror.Nop{},
		Clock:         clk,
		ProcessedRoot: processedRoot,
		LeaseTTL:      DefaultLeaseTTL,
	}
}

// Run processes every partition holding files of dataset, oldest first. The
// first failing partition aborts the run; earlier partitions stay committed.
func (p *Pipeline) Run(ctx context.Context, dataset models.Dataset) (Report, error) {
	report := Report{Dataset: dataset}
	logger.Infof("Starting %s pipeline. Raw root: %s, DryRun: %v", dataset, p.Scanner.Root, p.DryRun)

	parts, err := p.Scanner.Partitions()
	if err != nil {
		return report, err
	}

	startTime := p.Clock.Now()
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := p.Extractor.Extract(part, dataset)
		if err != nil {
			logger.Errorf("Extraction failed for %s %s: %v", dataset, part.Key, err)
			return report, err
		}
		if len(batch.Files) == 0 {
			logger.Warnf("No %s files in %s", dataset, part.Path)
			continue
		}

		res, err := p.processBatch(ctx, batch)
		if err != nil {
			logger.Errorf("Processing failed for %s %s: %v", dataset, part.Key, err)
			return report, err
		}

		report.Partitions++
		report.Valid += len(res.Valid)
		report.Invalid += len(res.Invalid)

		duration := p.Clock.Since(startTime)
		rate := 0.0
		if duration.Seconds() > 0 {
			rate = float64(report.Valid+report.Invalid) / duration.Seconds()
		}
		logger.Infof("Partition %s done. Valid: %d, Invalid: %d. Rate: %.2f records/sec",
			part.Key, len(res.Valid), len(res.Invalid), rate)
	}

	if !p.DryRun {
		if err := partition.CleanupEmptyDirs(p.Scanner.Root); err != nil {
			logger.Warnf("Failed to clean up empty raw directories: %v", err)
		}
	}
	p.Metrics.MarkFinished(string(dataset), p.Clock.Now())
	logger.Infof("%s pipeline finished. Partitions: %d, Valid: %d, Invalid: %d",
		dataset, report.Partitions, report.Valid, report.Invalid)
	return report, nil
}

func (p *Pipeline) processBatch(ctx context.Context, batch Batch) (Result, error) {
	start := p.Clock.Now()
	key := batch.Partition.Key

	res, err := p.Validator.Validate(ctx, batch.Dataset, key, batch.Records)
	if err != nil {
		return res, err
	}

	if p.DryRun {
		logger.Infof("[DRY RUN] %s %s: would load %d records, reject %d",
			batch.Dataset, key, len(res.Valid), len(res.Invalid))
		for _, inv := range res.Invalid {
			logger.Infof("[DRY RUN] %s %q: %s", batch.Dataset, inv.Key, inv.Reason)
		}
		return res, nil
	}

	dataset := string(batch.Dataset)
	if err := p.Repo.AcquireLease(ctx, key, dataset, p.Owner, p.LeaseTTL); err != nil {
		return res, err
	}
	defer func() {
		if err := p.Repo.ReleaseLease(context.WithoutCancel(ctx), key, dataset, p.Owner); err != nil {
			logger.Warnf("Failed to release lease on %s %s: %v", key, dataset, err)
		}
	}()

	raws := res.RawRecords()
	if len(raws) > 0 {
		path, added, err := WriteArtifact(p.ProcessedRoot, p.ProcessedArchive, key, batch.Dataset, raws, batch.Compressed())
		if err != nil {
			return res, err
		}
		logger.Infof("Wrote %d new %s records to %s", added, dataset, path)
	}

	err = p.Repo.WithinTx(ctx, func(w store.Writer) error {
		for _, v := range res.Valid {
			if _, err := w.Upsert(ctx, key, v.Record, v.LastChange); err != nil {
				return err
			}
		}
		for _, inv := range res.Invalid {
			if err := w.LogInvalid(ctx, inv); err != nil {
				return err
			}
		}
		return w.RecordStatistics(ctx, store.Statistics{
			Partition:   key,
			Dataset:     dataset,
			RecordCount: len(res.Valid),
			Elapsed:     p.Clock.Since(start),
		})
	})
	if err != nil {
		return res, fmt.Errorf("persist %s %s: %w", dataset, key, err)
	}

	for _, src := range batch.Files {
		if _, err := p.Archiver.Archive(ctx, src, filepath.Base(src), key); err != nil {
			return res, err
		}
	}

	if len(raws) > 0 {
		if err := p.Mirror.Upsert(ctx, batch.Dataset, key, raws); err != nil {
			logger.Errorf("Mirror upsert failed for %s %s: %v", dataset, key, err)
		}
	}

	p.Metrics.ObserveRecords(dataset, len(res.Valid), len(res.Invalid))
	p.Metrics.ObservePartition(dataset, p.Clock.Since(start))
	return res, nil
}
