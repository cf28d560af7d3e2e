package snapshot

import (
	"context"
	"strings"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"
	"camrelay/pkg/snapshot"

	"go.uber.org/zap/zaptest"
)

type snapshotEnv struct {
	storage     *snapshot.FileStorage
	service     *snapshot.SnapshotService
	profileRepo ports.ProfileRepository
	deviceRepo  ports.DeviceRepository
}

func newSnapshotEnv(t *testing.T) *snapshotEnv {
	t.Helper()

	storage, err := snapshot.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	return &snapshotEnv{
		storage:     storage,
		service:     snapshot.NewSnapshotService(storage, "1.0.0"),
		profileRepo: memory.NewMemoryProfileRepository(),
		deviceRepo:  memory.NewMemoryDeviceRepository(),
	}
}

func testProfile(hash string, lastSeen time.Time) *domain.SiteProfile {
	return &domain.SiteProfile{
		DomainHash:       hash,
		State:            domain.AnalysisIdle,
		EnumerationCount: 3,
		FirstSeen:        lastSeen.Add(-time.Hour),
		LastSeen:         lastSeen,
	}
}

func TestSchedulerRunSnapshot(t *testing.T) {
	env := newSnapshotEnv(t)
	ctx := context.Background()

	if err := env.profileRepo.Save(ctx, testProfile("hash_a", time.Now())); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
	if err := env.profileRepo.Save(ctx, testProfile("hash_b", time.Now())); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
	if err := env.deviceRepo.Save(ctx, &domain.Device{ID: "dev_a", Name: "bench phone"}); err != nil {
		t.Fatalf("failed to save device: %v", err)
	}

	sched := NewScheduler(env.service, env.profileRepo, env.deviceRepo,
		Config{Interval: time.Hour, Retention: 5}, zaptest.NewLogger(t).Sugar())
	sched.runSnapshot(ctx)

	names, err := env.service.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(names))
	}

	data, err := env.service.RestoreSnapshot(ctx, names[0])
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if len(data.Profiles) != 2 {
		t.Errorf("expected 2 profiles in snapshot, got %d", len(data.Profiles))
	}
	if _, ok := data.Profiles["hash_a"]; !ok {
		t.Error("expected hash_a in snapshot")
	}
	if len(data.Devices) != 1 {
		t.Errorf("expected 1 device in snapshot, got %d", len(data.Devices))
	}
	// JSON numbers decode back as float64
	if got, ok := data.Metadata["profile_count"].(float64); !ok || got != 2 {
		t.Errorf("expected profile_count 2, got %v", data.Metadata["profile_count"])
	}
}

func TestSchedulerPrunesOldSnapshots(t *testing.T) {
	env := newSnapshotEnv(t)
	ctx := context.Background()

	// Seed snapshots older than anything the scheduler will write
	for _, name := range []string{
		"snapshot-20240101-000000.json",
		"snapshot-20240102-000000.json",
		"snapshot-20240103-000000.json",
	} {
		if err := env.storage.Save(ctx, name, strings.NewReader("{}")); err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	}

	sched := NewScheduler(env.service, env.profileRepo, env.deviceRepo,
		Config{Interval: time.Hour, Retention: 2}, zaptest.NewLogger(t).Sugar())
	sched.runSnapshot(ctx)

	names, err := env.service.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 snapshots after prune, got %d", len(names))
	}
	if names[0] != "snapshot-20240103-000000.json" {
		t.Errorf("expected newest seeded snapshot to survive, got %q", names[0])
	}
}

func TestSchedulerCollectsEmptyStore(t *testing.T) {
	env := newSnapshotEnv(t)
	ctx := context.Background()

	sched := NewScheduler(env.service, env.profileRepo, env.deviceRepo,
		Config{Interval: time.Hour, Retention: 5}, zaptest.NewLogger(t).Sugar())

	data, err := sched.collectData(ctx)
	if err != nil {
		t.Fatalf("failed to collect data: %v", err)
	}
	if len(data.Profiles) != 0 {
		t.Errorf("expected no profiles, got %d", len(data.Profiles))
	}
	if data.Metadata["snapshot_type"] != "scheduled" {
		t.Errorf("expected snapshot_type scheduled, got %v", data.Metadata["snapshot_type"])
	}
}
