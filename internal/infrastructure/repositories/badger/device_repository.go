package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"camrelay/internal/core/domain"

	"github.com/dgraph-io/badger/v4"
)

type BadgerDeviceRepository struct {
	db *badger.DB
}

func NewBadgerDeviceRepository(db *badger.DB) *BadgerDeviceRepository {
	return &BadgerDeviceRepository{db: db}
}

func (r *BadgerDeviceRepository) deviceKey(id domain.DeviceID) []byte {
	return []byte(deviceKeyPrefix + string(id))
}

func (r *BadgerDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	key := r.deviceKey(device.ID)
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to set device in badger: %w", err)
	}

	return nil
}

func (r *BadgerDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	key := r.deviceKey(id)

	var device domain.Device
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &device)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device from badger: %w", err)
	}

	return &device, nil
}

func (r *BadgerDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	prefix := []byte(deviceKeyPrefix)

	var devices []*domain.Device
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var device domain.Device
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &device)
			})
			if err != nil {
				continue
			}
			devices = append(devices, &device)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices from badger: %w", err)
	}

	return devices, nil
}

func (r *BadgerDeviceRepository) Delete(ctx context.Context, id domain.DeviceID) error {
	key := r.deviceKey(id)

	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == badger.ErrKeyNotFound {
		return domain.ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete device from badger: %w", err)
	}

	return nil
}
