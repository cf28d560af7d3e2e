package redis

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
)

// A batch size no test reaches, so flushes only happen when asked for
const idleBatchSize = 1000

func newBatchedRepo(t *testing.T, batchSize int) *BatchedRedisProfileRepository {
	t.Helper()
	client := newTestClient(t)
	base := NewRedisProfileRepository(client)
	repo := NewBatchedRedisProfileRepository(base, batchSize, time.Minute)
	t.Cleanup(repo.Stop)
	return repo
}

func TestBatchedSaveVisibleAfterFlush(t *testing.T) {
	repo := newBatchedRepo(t, idleBatchSize)
	ctx := context.Background()

	if err := repo.Save(ctx, testProfile("hash_a", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Still pending, nothing hit Redis yet
	if _, err := repo.GetByHash(ctx, "hash_a"); err != domain.ErrProfileNotFound {
		t.Errorf("expected pending write to be invisible, got %v", err)
	}

	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := repo.GetByHash(ctx, "hash_a")
	if err != nil {
		t.Fatalf("GetByHash after flush failed: %v", err)
	}
	if got.DomainHash != "hash_a" {
		t.Errorf("expected hash_a, got %s", got.DomainHash)
	}
}

func TestBatchedSizeTriggersFlush(t *testing.T) {
	// One Save enqueues the record write plus its index update
	repo := newBatchedRepo(t, 2)
	ctx := context.Background()

	if err := repo.Save(ctx, testProfile("hash_a", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := repo.GetByHash(ctx, "hash_a"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("size-triggered flush never landed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBatchedDeleteAfterFlush(t *testing.T) {
	repo := newBatchedRepo(t, idleBatchSize)
	ctx := context.Background()

	if err := repo.Save(ctx, testProfile("hash_a", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := repo.Delete(ctx, "hash_a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if _, err := repo.GetByHash(ctx, "hash_a"); err != domain.ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound after flushed delete, got %v", err)
	}
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty index after flushed delete, got %d", count)
	}
}

func TestBatchedEvictSeesPendingWrites(t *testing.T) {
	repo := newBatchedRepo(t, idleBatchSize)
	ctx := context.Background()

	base := time.Now()
	if err := repo.Save(ctx, testProfile("hash_new", base)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, testProfile("hash_old", base.Add(-time.Hour))); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// EvictOldest flushes pending writes before consulting the index
	evicted, err := repo.EvictOldest(ctx)
	if err != nil {
		t.Fatalf("EvictOldest failed: %v", err)
	}
	if evicted != "hash_old" {
		t.Errorf("expected hash_old evicted, got %s", evicted)
	}

	if _, err := repo.GetByHash(ctx, "hash_new"); err != nil {
		t.Errorf("expected hash_new to survive eviction, got %v", err)
	}
}
