package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"camrelay/internal/core/domain"

	"github.com/dgraph-io/badger/v4"
)

type BadgerProfileRepository struct {
	db *badger.DB
}

func NewBadgerProfileRepository(db *badger.DB) *BadgerProfileRepository {
	return &BadgerProfileRepository{db: db}
}

func (r *BadgerProfileRepository) profileKey(domainHash string) []byte {
	return []byte(profileKeyPrefix + domainHash)
}

func (r *BadgerProfileRepository) Save(ctx context.Context, profile *domain.SiteProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	key := r.profileKey(profile.DomainHash)
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to set profile in badger: %w", err)
	}

	return nil
}

func (r *BadgerProfileRepository) GetByHash(ctx context.Context, domainHash string) (*domain.SiteProfile, error) {
	key := r.profileKey(domainHash)

	var profile domain.SiteProfile
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &profile)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile from badger: %w", err)
	}

	return &profile, nil
}

func (r *BadgerProfileRepository) List(ctx context.Context) ([]*domain.SiteProfile, error) {
	prefix := []byte(profileKeyPrefix)

	var profiles []*domain.SiteProfile
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var profile domain.SiteProfile
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &profile)
			})
			if err != nil {
				// Skip records that no longer parse
				continue
			}
			profiles = append(profiles, &profile)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles from badger: %w", err)
	}

	return profiles, nil
}

func (r *BadgerProfileRepository) Delete(ctx context.Context, domainHash string) error {
	key := r.profileKey(domainHash)

	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == badger.ErrKeyNotFound {
		return domain.ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete profile from badger: %w", err)
	}

	return nil
}

func (r *BadgerProfileRepository) Count(ctx context.Context) (int, error) {
	prefix := []byte(profileKeyPrefix)

	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count profiles in badger: %w", err)
	}

	return count, nil
}

func (r *BadgerProfileRepository) EvictOldest(ctx context.Context) (string, error) {
	profiles, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 {
		return "", domain.ErrProfileNotFound
	}

	oldest := profiles[0].DomainHash
	oldestSeen := profiles[0].LastSeen
	for _, profile := range profiles[1:] {
		if profile.LastSeen.Before(oldestSeen) {
			oldest = profile.DomainHash
			oldestSeen = profile.LastSeen
		}
	}

	if err := r.Delete(ctx, oldest); err != nil {
		return "", err
	}

	return oldest, nil
}
