package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/snapshot"

	"go.uber.org/zap"
)

// RestoreService loads snapshots back into the repositories
type RestoreService struct {
	snapshots   *snapshot.SnapshotService
	profileRepo ports.ProfileRepository
	deviceRepo  ports.DeviceRepository
	logger      *zap.SugaredLogger
}

// NewRestoreService creates a new restore service
func NewRestoreService(
	snapshots *snapshot.SnapshotService,
	profileRepo ports.ProfileRepository,
	deviceRepo ports.DeviceRepository,
	logger *zap.SugaredLogger,
) *RestoreService {
	return &RestoreService{
		snapshots:   snapshots,
		profileRepo: profileRepo,
		deviceRepo:  deviceRepo,
		logger:      logger,
	}
}

// RestoreOptions contains options for restore operations
type RestoreOptions struct {
	OverwriteExisting bool
	RestoreProfiles   bool
	RestoreDevices    bool
}

// DefaultRestoreOptions returns default restore options
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		OverwriteExisting: false,
		RestoreProfiles:   true,
		RestoreDevices:    true,
	}
}

// RestoreLatestIfEmpty restores the newest snapshot when the profile store
// holds nothing. Returns the snapshot name, or "" when nothing was restored.
func (r *RestoreService) RestoreLatestIfEmpty(ctx context.Context) (string, error) {
	count, err := r.profileRepo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to count profiles: %w", err)
	}
	if count > 0 {
		return "", nil
	}

	name, err := r.snapshots.LatestSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	if name == "" {
		return "", nil
	}

	if err := r.RestoreFromSnapshot(ctx, name, DefaultRestoreOptions()); err != nil {
		return "", err
	}
	return name, nil
}

// RestoreFromSnapshot restores data from a named snapshot
func (r *RestoreService) RestoreFromSnapshot(ctx context.Context, name string, options RestoreOptions) error {
	r.logger.Infow("starting restore", "snapshot_name", name)

	data, err := r.snapshots.RestoreSnapshot(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	if options.RestoreProfiles {
		if err := r.restoreProfiles(ctx, data.Profiles, options); err != nil {
			return fmt.Errorf("failed to restore profiles: %w", err)
		}
	}

	if options.RestoreDevices && r.deviceRepo != nil {
		if err := r.restoreDevices(ctx, data.Devices, options); err != nil {
			return fmt.Errorf("failed to restore devices: %w", err)
		}
	}

	r.logger.Infow("restore completed", "snapshot_name", name)
	return nil
}

// restoreProfiles restores site profiles from snapshot data
func (r *RestoreService) restoreProfiles(ctx context.Context, profiles map[string]interface{}, options RestoreOptions) error {
	restored := 0
	skipped := 0

	for hash, entry := range profiles {
		// Snapshot entries round-trip through JSON back into the domain type
		raw, err := json.Marshal(entry)
		if err != nil {
			r.logger.Warnw("failed to marshal profile entry", "domain_hash", hash, "error", err)
			skipped++
			continue
		}

		var profile domain.SiteProfile
		if err := json.Unmarshal(raw, &profile); err != nil {
			r.logger.Warnw("failed to unmarshal profile entry", "domain_hash", hash, "error", err)
			skipped++
			continue
		}

		if !options.OverwriteExisting {
			if _, err := r.profileRepo.GetByHash(ctx, profile.DomainHash); err == nil {
				skipped++
				continue
			}
		}

		if err := r.profileRepo.Save(ctx, &profile); err != nil {
			r.logger.Warnw("failed to save restored profile", "domain_hash", hash, "error", err)
			skipped++
			continue
		}
		restored++
	}

	r.logger.Infow("profiles restored", "restored", restored, "skipped", skipped)
	return nil
}

// restoreDevices restores paired devices from snapshot data
func (r *RestoreService) restoreDevices(ctx context.Context, devices map[string]interface{}, options RestoreOptions) error {
	restored := 0
	skipped := 0

	for id, entry := range devices {
		raw, err := json.Marshal(entry)
		if err != nil {
			r.logger.Warnw("failed to marshal device entry", "device_id", id, "error", err)
			skipped++
			continue
		}

		var device domain.Device
		if err := json.Unmarshal(raw, &device); err != nil {
			r.logger.Warnw("failed to unmarshal device entry", "device_id", id, "error", err)
			skipped++
			continue
		}

		if !options.OverwriteExisting {
			if _, err := r.deviceRepo.GetByID(ctx, device.ID); err == nil {
				skipped++
				continue
			}
		}

		if err := r.deviceRepo.Save(ctx, &device); err != nil {
			r.logger.Warnw("failed to save restored device", "device_id", id, "error", err)
			skipped++
			continue
		}
		restored++
	}

	r.logger.Infow("devices restored", "restored", restored, "skipped", skipped)
	return nil
}
