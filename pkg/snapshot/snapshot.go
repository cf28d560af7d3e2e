package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// SnapshotData represents snapshot data structure
type SnapshotData struct {
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Profiles  map[string]interface{} `json:"profiles,omitempty"`
	Devices   map[string]interface{} `json:"devices,omitempty"`
	Pipeline  map[string]interface{} `json:"pipeline,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Storage defines interface for snapshot storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// SnapshotService handles snapshot operations
type SnapshotService struct {
	storage Storage
	version string
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(storage Storage, version string) *SnapshotService {
	return &SnapshotService{
		storage: storage,
		version: version,
	}
}

// CreateSnapshot creates a snapshot of the provided data
func (ss *SnapshotService) CreateSnapshot(ctx context.Context, data *SnapshotData) (string, error) {
	data.Version = ss.version
	data.Timestamp = time.Now()

	// Serialize to JSON
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	// Generate snapshot name with timestamp
	snapshotName := fmt.Sprintf("snapshot-%s.json", data.Timestamp.Format("20060102-150405"))

	// Save to storage
	reader := &byteReader{data: jsonData}
	if err := ss.storage.Save(ctx, snapshotName, reader); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}

	return snapshotName, nil
}

// RestoreSnapshot restores data from a snapshot
func (ss *SnapshotService) RestoreSnapshot(ctx context.Context, name string) (*SnapshotData, error) {
	// Load from storage
	reader, err := ss.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer reader.Close()

	// Read data
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}

	// Deserialize
	var snapshotData SnapshotData
	if err := json.Unmarshal(data, &snapshotData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
	}

	return &snapshotData, nil
}

// ListSnapshots lists all available snapshots, oldest first.
func (ss *SnapshotService) ListSnapshots(ctx context.Context) ([]string, error) {
	names, err := ss.storage.List(ctx, "snapshot-")
	if err != nil {
		return nil, err
	}
	// Names embed a sortable timestamp.
	sort.Strings(names)
	return names, nil
}

// LatestSnapshot returns the most recent snapshot name, or "" if none exist.
func (ss *SnapshotService) LatestSnapshot(ctx context.Context) (string, error) {
	names, err := ss.ListSnapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[len(names)-1], nil
}

// DeleteSnapshot deletes a snapshot
func (ss *SnapshotService) DeleteSnapshot(ctx context.Context, name string) error {
	return ss.storage.Delete(ctx, name)
}

// Prune deletes oldest snapshots until at most retain remain.
func (ss *SnapshotService) Prune(ctx context.Context, retain int) (int, error) {
	if retain < 0 {
		retain = 0
	}
	names, err := ss.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) <= retain {
		return 0, nil
	}

	deleted := 0
	for _, name := range names[:len(names)-retain] {
		if err := ss.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to prune snapshot %s: %w", name, err)
		}
		deleted++
	}
	return deleted, nil
}

// byteReader implements io.Reader for byte slice
type byteReader struct {
	data []byte
	pos  int
}

func (br *byteReader) Read(p []byte) (n int, err error) {
	if br.pos >= len(br.data) {
		return 0, io.EOF
	}
	n = copy(p, br.data[br.pos:])
	br.pos += n
	return n, nil
}
