package badger

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
)

func TestBadgerDeviceRoundTrip(t *testing.T) {
	repo := NewBadgerDeviceRepository(newTestDB(t))
	ctx := context.Background()

	device := &domain.Device{
		ID:      "dev_a",
		Name:    "garage cam",
		Address: "10.0.0.12",
		Port:    8791,
		State:   domain.ConnectionDisconnected,
		Capabilities: domain.DeviceCapabilities{
			SupportedCodecs: []string{"VP8"},
			MaxWidth:        1280,
			MaxHeight:       720,
			MaxFPS:          30,
		},
		PairedAt: time.Now(),
	}
	if err := repo.Save(ctx, device); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "dev_a")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Address != "10.0.0.12" || got.Port != 8791 {
		t.Errorf("address did not survive the round trip: %s:%d", got.Address, got.Port)
	}
	if got.Capabilities.MaxWidth != 1280 {
		t.Errorf("capabilities did not survive the round trip: %+v", got.Capabilities)
	}
}

func TestBadgerDeviceMissing(t *testing.T) {
	repo := NewBadgerDeviceRepository(newTestDB(t))

	_, err := repo.GetByID(context.Background(), "absent")
	if err != domain.ErrDeviceNotFound {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestBadgerDeviceDelete(t *testing.T) {
	repo := NewBadgerDeviceRepository(newTestDB(t))
	ctx := context.Background()

	if err := repo.Save(ctx, &domain.Device{ID: "dev_a", Name: "garage cam"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Delete(ctx, "dev_a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Delete(ctx, "dev_a"); err != domain.ErrDeviceNotFound {
		t.Errorf("expected ErrDeviceNotFound on second delete, got %v", err)
	}
}
