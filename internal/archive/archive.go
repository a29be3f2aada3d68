// Package archive moves consumed files out of the working trees into
// partitioned archives on disk or in object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/logger"
)

// ErrSourceMissing is returned when the file to archive does not exist.
var ErrSourceMissing = errors.New("archive source missing")

// Archiver relocates src under <date>/<hour>/name and returns the new location.
type Archiver interface {
	Archive(ctx context.Context, src, name string, p partition.Key) (string, error)
}

// FileArchiver renames files into Root/<YYYY-MM-DD>/<HH>/.
type FileArchiver struct {
	Root string
}

func NewFileArchiver(root string) *FileArchiver {
	return &FileArchiver{Root: root}
}

func (a *FileArchiver) Archive(_ context.Context, src, name string, p partition.Key) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", src, ErrSourceMissing)
		}
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	dir := filepath.Join(a.Root, p.DateString(), p.HourString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archive %s to %s: %w", src, dst, err)
	}
	logger.Infof("Archived %s to %s", src, dst)
	return dst, nil
}

// ObjectPutter is the subset of *minio.Client the object archiver needs.
type ObjectPutter interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectArchiver uploads files to Bucket/<YYYY-MM-DD>/<HH>/name and removes
// the local copy once the upload succeeded.
type ObjectArchiver struct {
	Client ObjectPutter
	Bucket string
}

func NewObjectArchiver(client ObjectPutter, bucket string) *ObjectArchiver {
	return &ObjectArchiver{Client: client, Bucket: bucket}
}

func (a *ObjectArchiver) Archive(ctx context.Context, src, name string, p partition.Key) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", src, ErrSourceMissing)
		}
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	key := path.Join(p.DateString(), p.HourString(), name)
	opts := minio.PutObjectOptions{ContentType: contentType(name)}
	if _, err := a.Client.FPutObject(ctx, a.Bucket, key, src, opts); err != nil {
		return "", fmt.Errorf("upload %s to %s/%s: %w", src, a.Bucket, key, err)
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("remove archived %s: %w", src, err)
	}

	dst := a.Bucket + "/" + key
	logger.Infof("Archived %s to %s", src, dst)
	return dst, nil
}

func contentType(name string) string {
	if filepath.Ext(name) == ".gz" {
		return "application/gzip"
	}
	return "application/json"
}
