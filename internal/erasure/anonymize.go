package erasure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/BartekS5/retailetl/internal/etl"
	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/models"
	"github.com/BartekS5/retailetl/pkg/utils"
)

const emailField = "email"

// Digest is the lowercase hex SHA-256 of a contact value.
func Digest(contact string) string {
	sum := sha256.Sum256([]byte(contact))
	return hex.EncodeToString(sum[:])
}

// IsDigest reports whether s already looks like a value produced by Digest.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Locator finds the processed customers artifacts of a partition in the live
// tree and in the processed archive.
type Locator struct {
	ProcessedRoot    string
	ProcessedArchive string
}

// Artifact is one processed customers file. Live is true under ProcessedRoot.
type Artifact struct {
	Path string
	Live bool
}

// Locate returns the live artifact first, then the archived one. A partition
// re-processed after an erasure has both.
func (l Locator) Locate(p partition.Key) ([]Artifact, error) {
	var found []Artifact
	for i, root := range []string{l.ProcessedRoot, l.ProcessedArchive} {
		if root == "" {
			continue
		}
		dir := etl.ArtifactDir(root, p)
		names, err := partition.MatchFiles(dir, string(models.DatasetCustomers))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		if len(names) > 0 {
			found = append(found, Artifact{Path: filepath.Join(dir, names[0]), Live: i == 0})
		}
	}
	return found, nil
}

// AnonymizeArtifact replaces the email of every record of customerID with
// digest. matched counts the subject's records, changed those actually
// rewritten; records already holding a digest are left alone. The file is
// rewritten atomically, with its compression, only when changed > 0.
func AnonymizeArtifact(path string, customerID int64, digest string) (matched, changed int, err error) {
	records, err := ndjson.Extract(path)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range records {
		id, err := utils.ConvertToInt64(rec["id"])
		if err != nil || id != customerID {
			continue
		}
		matched++
		if email, _ := rec[emailField].(string); IsDigest(email) {
			continue
		}
		rec[emailField] = digest
		changed++
	}

	if changed == 0 {
		return matched, 0, nil
	}
	if err := ndjson.WriteFile(path, records); err != nil {
		return matched, 0, err
	}
	return matched, changed, nil
}
