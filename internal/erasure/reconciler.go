// Package erasure applies privacy-erasure requests retroactively to customer
// data that was already processed.
//
// Requests arrive as raw erasure-requests files. They are validated, queued
// durably in the store and then applied: every processed customers artifact
// holding the subject gets the contact value replaced by its SHA-256 digest,
// and so do the customer rows. Requests that cannot be applied yet stay in
// the queue and are retried on the next run.
package erasure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/BartekS5/retailetl/internal/archive"
	"github.com/BartekS5/retailetl/internal/etl"
	"github.com/BartekS5/retailetl/internal/metrics"
	"github.com/BartekS5/retailetl/internal/mirror"
	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
)

const (
	reasonUnknownSubject = "customer not found"
	reasonNoArtifact     = "no processed artifact holds the customer"
)

// Reconciler ingests erasure requests and drains the erasure queue.
type Reconciler struct {
	Scanner   *partition.Scanner
	Extractor etl.Extractor
	Validator *etl.Validator
	Repo      store.Repository
	// Archiver receives consumed raw request files.
	Archiver archive.Archiver
	// ArtifactArchiver receives live artifacts after they were anonymized.
	ArtifactArchiver archive.Archiver
	Locator          Locator
	Mirror           mirror.Mirror
	Metrics          *metrics.Metrics
	Clock            clock.Clock

	Owner            string
	LeaseTTL         time.Duration
	ArchiveArtifacts bool
}

// Report summarises one Run.
type Report struct {
	Partitions int
	Enqueued   int
	Rejected   int
	Applied    int
	Unresolved int
	Failed     int
}

func NewReconciler(scanner *partition.Scanner, repo store.Repository, rawArchiver, artifactArchiver archive.Archiver, locator Locator) *Reconciler {
	clk := clock.New()
	return &Reconciler{
		Scanner:          scanner,
		Extractor:        etl.NewFileExtractor(scanner),
		Validator:        etl.NewValidator(repo, clk),
		Repo:             repo,
		Archiver:         rawArchiver,
		ArtifactArchiver: artifactArchiver,
		Locator:          locator,
		Mirror:           mirror.Nop{},
		Clock:            clk,
		LeaseTTL:         etl.DefaultLeaseTTL,
		ArchiveArtifacts: true,
	}
}

// Run ingests every raw partition, then drains the queue. The queue is
// drained even when there was nothing to ingest, so earlier unresolved and
// failed requests are retried.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	logger.Infof("Starting erasure job. Raw root: %s", r.Scanner.Root)

	parts, err := r.Scanner.Partitions()
	if err != nil {
		return report, err
	}
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ingested, err := r.Ingest(ctx, part)
		if err != nil {
			logger.Errorf("Erasure ingest failed for %s: %v", part.Key, err)
			return report, err
		}
		if ingested.Partitions > 0 {
			report.Partitions++
			report.Enqueued += ingested.Enqueued
			report.Rejected += ingested.Rejected
		}
	}
	if err := partition.CleanupEmptyDirs(r.Scanner.Root); err != nil {
		logger.Warnf("Failed to clean up empty raw directories: %v", err)
	}

	if err := r.Reconcile(ctx, &report); err != nil {
		return report, err
	}
	r.Metrics.MarkFinished("erasure", r.Clock.Now())
	logger.Infof("Erasure job finished. Enqueued: %d, Rejected: %d, Applied: %d, Unresolved: %d, Failed: %d",
		report.Enqueued, report.Rejected, report.Applied, report.Unresolved, report.Failed)
	return report, nil
}

// Ingest validates the request files of one partition, queues the valid
// requests, logs the rest and archives the files, all or nothing.
func (r *Reconciler) Ingest(ctx context.Context, part partition.Partition) (Report, error) {
	var report Report
	start := r.Clock.Now()
	dataset := models.DatasetErasureRequests

	batch, err := r.Extractor.Extract(part, dataset)
	if err != nil {
		return report, err
	}
	if len(batch.Files) == 0 {
		logger.Warnf("No %s files in %s", dataset, part.Path)
		return report, nil
	}

	res, err := r.Validator.Validate(ctx, dataset, part.Key, batch.Records)
	if err != nil {
		return report, err
	}

	err = r.Repo.WithinTx(ctx, func(w store.Writer) error {
		for _, v := range res.Valid {
			req := v.Record.(models.ErasureRequest)
			inserted, err := w.EnqueueErasure(ctx, part.Key, req)
			if err != nil {
				return err
			}
			if inserted {
				report.Enqueued++
			}
		}
		for _, inv := range res.Invalid {
			if err := w.LogInvalid(ctx, inv); err != nil {
				return err
			}
		}
		return w.RecordStatistics(ctx, store.Statistics{
			Partition:   part.Key,
			Dataset:     string(dataset),
			RecordCount: len(batch.Records),
			Elapsed:     r.Clock.Since(start),
		})
	})
	if err != nil {
		return Report{}, fmt.Errorf("persist erasure requests %s: %w", part.Key, err)
	}
	report.Partitions = 1
	report.Rejected = len(res.Invalid)

	for _, src := range batch.Files {
		if _, err := r.Archiver.Archive(ctx, src, filepath.Base(src), part.Key); err != nil {
			return report, err
		}
	}

	r.Metrics.ObserveRecords(string(dataset), len(res.Valid), len(res.Invalid))
	r.Metrics.ObservePartition(string(dataset), r.Clock.Since(start))
	logger.Infof("Ingested %d erasure requests from %s (%d queued, %d rejected)",
		len(batch.Records), part.Key, report.Enqueued, report.Rejected)
	return report, nil
}

// Reconcile applies every queued request that is not applied yet. A request
// failing on artifact I/O is marked failed and the rest are still attempted;
// store errors end the run.
func (r *Reconciler) Reconcile(ctx context.Context, report *Report) error {
	entries, err := r.Repo.PendingErasures(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Reconciling %d pending erasure requests", len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := r.Apply(ctx, e)
		if err != nil {
			return err
		}
		r.Metrics.ObserveErasure(status)
		switch status {
		case store.ErasureApplied:
			report.Applied++
		case store.ErasureUnresolved:
			report.Unresolved++
		case store.ErasureFailed:
			report.Failed++
		}
	}
	return nil
}

// Apply resolves one request to the partitions holding the subject and
// anonymizes each of them. It returns the status recorded in the queue.
func (r *Reconciler) Apply(ctx context.Context, e store.ErasureEntry) (string, error) {
	id := e.Request.CustomerID
	log := logger.L().With(zap.Int64("customer_id", id))

	parts, err := r.Repo.CustomerPartitions(ctx, id)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		log.Warn("erasure subject not found")
		return store.ErasureUnresolved, r.mark(ctx, id, store.ErasureUnresolved, reasonUnknownSubject)
	}

	digest := Digest(e.Request.Email)
	applied := 0
	for _, p := range parts {
		ok, err := r.applyPartition(ctx, p, id, digest)
		if err != nil {
			log.Error("erasure failed", zap.Stringer("partition", p), zap.Error(err))
			return store.ErasureFailed, r.mark(ctx, id, store.ErasureFailed, err.Error())
		}
		if ok {
			applied++
		} else {
			log.Warn("no processed artifact holds the customer", zap.Stringer("partition", p))
		}
	}
	if applied == 0 {
		return store.ErasureUnresolved, r.mark(ctx, id, store.ErasureUnresolved, reasonNoArtifact)
	}

	err = r.Repo.WithinTx(ctx, func(w store.Writer) error {
		if err := w.AnonymizeCustomer(ctx, id, digest); err != nil {
			return err
		}
		return w.MarkErasure(ctx, id, store.ErasureApplied, "")
	})
	if err != nil {
		return "", fmt.Errorf("apply erasure for customer %d: %w", id, err)
	}

	if err := r.Mirror.Anonymize(ctx, id, digest); err != nil {
		log.Error("mirror anonymize failed", zap.Error(err))
	}
	log.Info("erasure applied", zap.Int("partitions", applied))
	return store.ErasureApplied, nil
}

// applyPartition reports whether the subject was found, and anonymized, in the
// live or archived artifact of p.
func (r *Reconciler) applyPartition(ctx context.Context, p partition.Key, id int64, digest string) (bool, error) {
	dataset := string(models.DatasetCustomers)
	if err := r.Repo.AcquireLease(ctx, p, dataset, r.Owner, r.LeaseTTL); err != nil {
		return false, err
	}
	defer func() {
		if err := r.Repo.ReleaseLease(context.WithoutCancel(ctx), p, dataset, r.Owner); err != nil {
			logger.Warnf("Failed to release lease on %s %s: %v", p, dataset, err)
		}
	}()

	artifacts, err := r.Locator.Locate(p)
	if err != nil {
		return false, err
	}

	var live, archived string
	matched, liveChanged := 0, false
	for _, a := range artifacts {
		m, changed, err := AnonymizeArtifact(a.Path, id, digest)
		if err != nil {
			return false, fmt.Errorf("anonymize %s: %w", a.Path, err)
		}
		if m > 0 {
			logger.Infof("Anonymized %d records of customer %d in %s", changed, id, a.Path)
		}
		matched += m
		if a.Live {
			live, liveChanged = a.Path, changed > 0
		} else {
			archived = a.Path
		}
	}
	if matched == 0 {
		return false, nil
	}

	if liveChanged && r.ArchiveArtifacts && r.ArtifactArchiver != nil {
		if err := r.archiveArtifact(ctx, p, live, archived); err != nil {
			return false, err
		}
	}
	return true, nil
}

// archiveArtifact moves the live artifact into the processed archive. When
// the archive already holds one for p the two are merged there, archived
// records first, so nothing already archived is lost.
func (r *Reconciler) archiveArtifact(ctx context.Context, p partition.Key, live, archived string) error {
	if archived == "" {
		_, err := r.ArtifactArchiver.Archive(ctx, live, filepath.Base(live), p)
		return err
	}

	prior, err := ndjson.Extract(archived)
	if err != nil {
		return fmt.Errorf("read archived artifact: %w", err)
	}
	current, err := ndjson.Extract(live)
	if err != nil {
		return fmt.Errorf("read processed artifact: %w", err)
	}
	merged := etl.MergeRecords(models.DatasetCustomers, prior, current)
	if err := ndjson.WriteFile(archived, merged); err != nil {
		return fmt.Errorf("write archived artifact %s: %w", archived, err)
	}
	if err := os.Remove(live); err != nil {
		return fmt.Errorf("remove %s: %w", live, err)
	}
	logger.Infof("Merged %s into %s", live, archived)
	return nil
}

func (r *Reconciler) mark(ctx context.Context, id int64, status, reason string) error {
	return r.Repo.WithinTx(ctx, func(w store.Writer) error {
		return w.MarkErasure(ctx, id, status, reason)
	})
}
