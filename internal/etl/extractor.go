package etl

import (
	"fmt"
	"path/filepath"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/models"
)

// FileExtractor reads dataset files from a raw partition directory.
type FileExtractor struct {
	Scanner *partition.Scanner
}

func NewFileExtractor(scanner *partition.Scanner) *FileExtractor {
	return &FileExtractor{Scanner: scanner}
}

// Extract merges every "<dataset>*.json[.gz]" file of p. Any unreadable file
// fails the whole partition.
func (e *FileExtractor) Extract(p partition.Partition, dataset models.Dataset) (Batch, error) {
	batch := Batch{Partition: p, Dataset: dataset}

	names, err := e.Scanner.DatasetFiles(p, string(dataset))
	if err != nil {
		return batch, fmt.Errorf("failed to list %s files in %s: %w", dataset, p.Path, err)
	}

	for _, name := range names {
		path := filepath.Join(p.Path, name)
		records, err := ndjson.Extract(path)
		if err != nil {
			return batch, fmt.Errorf("extract %s: %w", path, err)
		}
		batch.Files = append(batch.Files, path)
		batch.Records = append(batch.Records, records...)
	}
	return batch, nil
}
