package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"camrelay/pkg/optimize"
)

// copyPool supplies the scratch buffers snapshot writes stream through.
var copyPool = optimize.NewBytePool(32 * 1024)

// FileStorage keeps snapshots as plain files in one directory.
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the snapshot directory if needed.
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Save writes data under name. The write goes through a temp file and a
// rename so a crash mid-write never leaves a truncated snapshot behind.
func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	finalPath := filepath.Join(fs.basePath, name)

	tmp, err := os.CreateTemp(fs.basePath, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpPath := tmp.Name()

	buf := copyPool.Get()
	_, copyErr := io.CopyBuffer(tmp, data, buf)
	copyPool.Put(buf)

	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot data: %w", copyErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize snapshot file: %w", err)
	}
	return nil
}

// Load opens the named snapshot for reading. The caller closes it.
func (fs *FileStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(fs.basePath, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}

	return file, nil
}

// List returns the names of stored snapshots matching prefix.
func (fs *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, ".tmp-") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			files = append(files, name)
		}
	}

	return files, nil
}

// Delete removes the named snapshot.
func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	return os.Remove(filepath.Join(fs.basePath, name))
}
