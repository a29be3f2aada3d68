// Package ndjson reads and writes newline-delimited JSON datasets, plain or
// gzip-compressed.
package ndjson

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// ErrUnsupportedFormat is returned for files that are neither .json nor .json.gz.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Record is one decoded JSON object. Numbers are kept as json.Number so ids
// and prices survive a rewrite unchanged.
type Record = map[string]interface{}

// IsCompressed reports whether path names a gzip artifact.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// Extension returns ".json.gz" or ".json" for a dataset file name.
func Extension(name string) (string, error) {
	switch {
	case strings.HasSuffix(name, ".json.gz"):
		return ".json.gz", nil
	case strings.HasSuffix(name, ".json"):
		return ".json", nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}

// Extract reads every JSON value in the file. Values are decoded from the
// token stream rather than split on newlines, so a pretty-printed .json
// document is one record. A top-level array contributes its elements.
func Extract(path string) ([]Record, error) {
	if _, err := Extension(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if IsCompressed(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	records, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return records, nil
}

// Decode reads JSON values from r until EOF.
func Decode(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var records []Record
	for n := 0; ; n++ {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("value %d: %w", n+1, err)
		}
		switch t := v.(type) {
		case map[string]interface{}:
			records = append(records, t)
		case []interface{}:
			for i, item := range t {
				obj, ok := item.(map[string]interface{})
				if !ok {
					return records, fmt.Errorf("value %d element %d: expected object, got %T", n+1, i, item)
				}
				records = append(records, obj)
			}
		default:
			return records, fmt.Errorf("value %d: expected object, got %T", n+1, v)
		}
	}
}

// Encode writes one compact JSON object per line.
func Encode(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile replaces path with records. The data goes to a temporary file in
// the same directory which is renamed over path only after it is complete,
// so readers never observe a partial artifact. Compression follows the
// path's suffix.
func WriteFile(path string, records []Record) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if IsCompressed(path) {
		gz := gzip.NewWriter(tmp)
		if err = Encode(gz, records); err != nil {
			return err
		}
		if err = gz.Close(); err != nil {
			return err
		}
	} else if err = Encode(tmp, records); err != nil {
		return err
	}

	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
