package etl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/pkg/models"
)

const anaDigest = "08168cd80dfd534ab0f10af10f1303fe00af2d43ab5c1432360d137f8197e17a"

func customerRecord(id, email string) ndjson.Record {
	return ndjson.Record{"id": json.Number(id), "first_name": "Ana", "email": email}
}

func TestWriteArtifactCreatesAndMerges(t *testing.T) {
	root := t.TempDir()

	path, added, err := WriteArtifact(root, "", testKey, models.DatasetCustomers,
		[]ndjson.Record{customerRecord("1", "a@example.com")}, true)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, filepath.Join(root, "2022-01-01", "05", "customers.json.gz"), path)

	// An existing artifact keeps its compression.
	path, added, err = WriteArtifact(root, "", testKey, models.DatasetCustomers,
		[]ndjson.Record{customerRecord("1", "changed@example.com"), customerRecord("2", "b@example.com")}, false)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, filepath.Join(root, "2022-01-01", "05", "customers.json.gz"), path)

	records, err := ndjson.Extract(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a@example.com", records[0]["email"])
}

func TestWriteArtifactSkipsRecordsAlreadyArchived(t *testing.T) {
	root, archiveRoot := t.TempDir(), t.TempDir()
	archived := filepath.Join(ArtifactDir(archiveRoot, testKey), "customers.json.gz")
	require.NoError(t, ndjson.WriteFile(archived, []ndjson.Record{customerRecord("1", anaDigest)}))

	path, added, err := WriteArtifact(root, archiveRoot, testKey, models.DatasetCustomers,
		[]ndjson.Record{customerRecord("1", "a@example.com")}, false)
	require.NoError(t, err)
	require.Zero(t, added)
	_, err = os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist), "nothing new, nothing written")

	path, added, err = WriteArtifact(root, archiveRoot, testKey, models.DatasetCustomers,
		[]ndjson.Record{customerRecord("1", "a@example.com"), customerRecord("2", "b@example.com")}, false)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, filepath.Join(root, "2022-01-01", "05", "customers.json.gz"), path, "takes the archived extension")

	records, err := ndjson.Extract(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, anaDigest, records[0]["email"])
	require.Equal(t, "b@example.com", records[1]["email"])
}

func TestMergeRecordsExistingWins(t *testing.T) {
	merged := MergeRecords(models.DatasetCustomers,
		[]ndjson.Record{customerRecord("1", anaDigest)},
		[]ndjson.Record{customerRecord("1", "a@example.com"), customerRecord("2", "b@example.com"), customerRecord("2", "dup@example.com")},
	)
	require.Len(t, merged, 2)
	require.Equal(t, anaDigest, merged[0]["email"])
	require.Equal(t, "b@example.com", merged[1]["email"])
}
