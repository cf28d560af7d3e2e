package optimize

import (
	"testing"
)

func TestBytePoolRoundTrip(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Fatalf("expected buffer length 1024, got %d", len(buf))
	}

	buf[0] = 0xFF
	pool.Put(buf)

	buf2 := pool.Get()
	if len(buf2) != 1024 {
		t.Errorf("expected recycled buffer length 1024, got %d", len(buf2))
	}
}

func TestBytePoolDropsShrunkBuffers(t *testing.T) {
	pool := NewBytePool(64)

	// A caller that resliced below the pool size must not poison the pool.
	pool.Put(make([]byte, 16))

	buf := pool.Get()
	if len(buf) != 64 {
		t.Errorf("expected fresh buffer length 64, got %d", len(buf))
	}
}

func TestBytePoolRestoresLength(t *testing.T) {
	pool := NewBytePool(32)

	buf := pool.Get()
	pool.Put(buf[:5])

	buf2 := pool.Get()
	if len(buf2) != 32 {
		t.Errorf("expected full-length buffer after truncated Put, got %d", len(buf2))
	}
}

func TestStringSlicePoolReturnsEmpty(t *testing.T) {
	pool := NewStringSlicePool(8)

	s := pool.Get()
	if len(s) != 0 {
		t.Fatalf("expected empty slice, got length %d", len(s))
	}
	if cap(s) < 8 {
		t.Fatalf("expected capacity >= 8, got %d", cap(s))
	}

	s = append(s, "v=0", "o=-", "s=-")
	pool.Put(s)

	s2 := pool.Get()
	if len(s2) != 0 {
		t.Errorf("expected recycled slice to come back empty, got length %d", len(s2))
	}
}

func TestStringSlicePoolDropsOversized(t *testing.T) {
	pool := NewStringSlicePool(4)

	// Grew past twice the base capacity, so the pool should let it go.
	pool.Put(make([]string, 0, 64))

	s := pool.Get()
	if cap(s) > 8 {
		t.Errorf("expected oversized slice to be dropped, got capacity %d", cap(s))
	}
}

func TestPreAllocateSlice(t *testing.T) {
	s := PreAllocateSlice[int](5, 10)
	if len(s) != 5 {
		t.Errorf("expected length 5, got %d", len(s))
	}
	if cap(s) != 10 {
		t.Errorf("expected capacity 10, got %d", cap(s))
	}

	s2 := PreAllocateSlice[int](10, 5)
	if len(s2) != 10 {
		t.Errorf("expected length 10, got %d", len(s2))
	}
	if cap(s2) < 10 {
		t.Errorf("expected capacity clamped to length, got %d", cap(s2))
	}
}
