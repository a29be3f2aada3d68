package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BartekS5/retailetl/pkg/logger"
)

// AcceptedSuffixes are the file extensions of raw and processed datasets.
var AcceptedSuffixes = []string{".json", ".json.gz"}

// Partition is a raw partition directory found on disk.
type Partition struct {
	Key  Key
	Path string
}

// Scanner walks raw_root/date=YYYY-MM-DD/hour=HH.
type Scanner struct {
	Root string
}

func NewScanner(root string) *Scanner {
	return &Scanner{Root: root}
}

// Partitions returns every partition under Root in chronological order.
// Directory names sort lexically in time order, so a plain string sort is
// enough. Names that do not parse are skipped with a warning.
func (s *Scanner) Partitions() ([]Partition, error) {
	dateDirs, err := listDirs(s.Root)
	if os.IsNotExist(err) {
		logger.Warnf("Raw root %s does not exist, nothing to process", s.Root)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list raw root %s: %w", s.Root, err)
	}

	var out []Partition
	for _, dateDir := range dateDirs {
		if _, err := ParseDate(dateDir); err != nil {
			logger.Warn("skipping unrecognised date directory", zap.String("dir", dateDir), zap.Error(err))
			continue
		}
		datePath := filepath.Join(s.Root, dateDir)
		hourDirs, err := listDirs(datePath)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", datePath, err)
		}
		for _, hourDir := range hourDirs {
			key, err := ParseKey(dateDir, hourDir)
			if err != nil {
				logger.Warn("skipping unrecognised hour directory", zap.String("dir", hourDir), zap.Error(err))
				continue
			}
			out = append(out, Partition{Key: key, Path: filepath.Join(datePath, hourDir)})
		}
	}
	return out, nil
}

// DatasetFiles lists the files of p whose name starts with prefix and ends
// with an accepted suffix, sorted by name.
func (s *Scanner) DatasetFiles(p Partition, prefix string) ([]string, error) {
	return MatchFiles(p.Path, prefix)
}

// MatchFiles lists dataset files in dir. A missing dir yields no files.
func MatchFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !HasAcceptedSuffix(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func HasAcceptedSuffix(name string) bool {
	for _, suffix := range AcceptedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// CleanupEmptyDirs removes empty directories below root, deepest first.
// root itself is kept.
func CleanupEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			return err
		}
		logger.Debug("removed empty directory", zap.String("dir", dirs[i]))
	}
	return nil
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
