package etl

import (
	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/models"
)

// Extractor yields the merged raw records of one dataset in a partition.
type Extractor interface {
	Extract(p partition.Partition, dataset models.Dataset) (Batch, error)
}

// Batch is every record of one dataset found in one raw partition, in file
// order.
type Batch struct {
	Partition partition.Partition
	Dataset   models.Dataset
	Files     []string
	Records   []ndjson.Record
}

// Compressed reports whether any input file was gzip-compressed.
func (b Batch) Compressed() bool {
	for _, f := range b.Files {
		if ndjson.IsCompressed(f) {
			return true
		}
	}
	return false
}
