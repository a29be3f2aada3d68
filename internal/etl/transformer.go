package etl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/models"
)

// ArtifactDir is processed_root/<YYYY-MM-DD>/<HH>.
func ArtifactDir(root string, p partition.Key) string {
	return filepath.Join(root, p.DateString(), p.HourString())
}

// ArtifactPath returns the processed artifact of dataset in p. An existing
// artifact keeps its compression; otherwise compressed selects .json.gz.
func ArtifactPath(root string, p partition.Key, dataset models.Dataset, compressed bool) (string, bool, error) {
	dir := ArtifactDir(root, p)
	for _, ext := range []string{".json.gz", ".json"} {
		path := filepath.Join(dir, string(dataset)+ext)
		_, err := os.Stat(path)
		if err == nil {
			return path, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	ext := ".json"
	if compressed {
		ext = ".json.gz"
	}
	return filepath.Join(dir, string(dataset)+ext), false, nil
}

// MergeRecords appends the incoming records whose natural key is not already
// present. Existing records win, like the insert-if-absent rule of the store.
func MergeRecords(dataset models.Dataset, existing, incoming []ndjson.Record) []ndjson.Record {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[models.RawKey(dataset, rec)] = struct{}{}
	}

	merged := append(make([]ndjson.Record, 0, len(existing)+len(incoming)), existing...)
	for _, rec := range incoming {
		key := models.RawKey(dataset, rec)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, rec)
	}
	return merged
}

// WriteArtifact merges records into the processed artifact of p and rewrites
// it atomically. When archiveRoot already holds an artifact of p, its records
// take part in the merge and win over incoming ones, so records anonymized
// after archiving are never replaced by a re-run. Nothing is written when no
// record is new.
func WriteArtifact(root, archiveRoot string, p partition.Key, dataset models.Dataset, records []ndjson.Record, compressed bool) (string, int, error) {
	path, exists, err := ArtifactPath(root, p, dataset, compressed)
	if err != nil {
		return "", 0, err
	}

	var existing []ndjson.Record
	if exists {
		if existing, err = ndjson.Extract(path); err != nil {
			return path, 0, fmt.Errorf("read processed artifact: %w", err)
		}
	}

	if archiveRoot != "" {
		archived, found, err := ArtifactPath(archiveRoot, p, dataset, compressed)
		if err != nil {
			return path, 0, err
		}
		if found {
			prior, err := ndjson.Extract(archived)
			if err != nil {
				return path, 0, fmt.Errorf("read archived artifact: %w", err)
			}
			existing = MergeRecords(dataset, prior, existing)
			if !exists {
				path = filepath.Join(ArtifactDir(root, p), filepath.Base(archived))
			}
		}
	}

	merged := MergeRecords(dataset, existing, records)
	added := len(merged) - len(existing)
	if added == 0 {
		return path, 0, nil
	}
	if err := ndjson.WriteFile(path, merged); err != nil {
		return path, 0, fmt.Errorf("write processed artifact %s: %w", path, err)
	}
	return path, added, nil
}
