package snapshot

import (
	"context"
	"fmt"
	"time"

	"camrelay/internal/core/ports"
	"camrelay/pkg/snapshot"

	"go.uber.org/zap"
)

// Scheduler exports the profile store on an interval
type Scheduler struct {
	snapshots   *snapshot.SnapshotService
	profileRepo ports.ProfileRepository
	deviceRepo  ports.DeviceRepository
	interval    time.Duration
	retention   int
	logger      *zap.SugaredLogger
	stopChan    chan struct{}
}

// Config contains scheduler configuration
type Config struct {
	Interval  time.Duration
	Retention int
}

// NewScheduler creates a new snapshot scheduler
func NewScheduler(
	snapshots *snapshot.SnapshotService,
	profileRepo ports.ProfileRepository,
	deviceRepo ports.DeviceRepository,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		snapshots:   snapshots,
		profileRepo: profileRepo,
		deviceRepo:  deviceRepo,
		interval:    cfg.Interval,
		retention:   cfg.Retention,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start starts the snapshot scheduler
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial snapshot
	s.runSnapshot(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSnapshot(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the snapshot scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// runSnapshot performs one export
func (s *Scheduler) runSnapshot(ctx context.Context) {
	s.logger.Info("starting scheduled snapshot")

	data, err := s.collectData(ctx)
	if err != nil {
		s.logger.Errorw("failed to collect snapshot data", "error", err)
		return
	}

	name, err := s.snapshots.CreateSnapshot(ctx, data)
	if err != nil {
		s.logger.Errorw("failed to create snapshot", "error", err)
		return
	}

	s.logger.Infow("snapshot created", "snapshot_name", name)

	pruned, err := s.snapshots.Prune(ctx, s.retention)
	if err != nil {
		s.logger.Warnw("failed to prune old snapshots", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Infow("pruned old snapshots", "count", pruned)
	}
}

// collectData collects data from repositories
func (s *Scheduler) collectData(ctx context.Context) (*snapshot.SnapshotData, error) {
	data := &snapshot.SnapshotData{
		Profiles: make(map[string]interface{}),
		Devices:  make(map[string]interface{}),
		Metadata: make(map[string]interface{}),
	}

	profiles, err := s.profileRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	for _, profile := range profiles {
		data.Profiles[profile.DomainHash] = profile
	}

	if s.deviceRepo != nil {
		devices, err := s.deviceRepo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list devices: %w", err)
		}
		for _, device := range devices {
			data.Devices[string(device.ID)] = device
		}
	}

	data.Metadata["profile_count"] = len(data.Profiles)
	data.Metadata["device_count"] = len(data.Devices)
	data.Metadata["snapshot_type"] = "scheduled"

	return data, nil
}
