package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// countingStore counts Get calls reaching the backend.
type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, key string) (*Blob, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, key)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(backend, time.Minute, 1024)

	if err := s.Put(ctx, "a.txt", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for i := 0; i < 3; i++ {
		blob, err := s.Get(ctx, "a.txt")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := string(readAll(t, blob)); got != "hello" {
			t.Fatalf("got %q", got)
		}
	}
	if backend.gets != 1 {
		t.Errorf("backend gets = %d, want 1", backend.gets)
	}
	if !s.Cached("a.txt") {
		t.Error("expected a.txt to be cached")
	}
}

func TestCachedStore_PutInvalidates(t *testing.T) {
	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), time.Minute, 1024)

	_ = s.Put(ctx, "k", strings.NewReader("old"), 3)
	blob, _ := s.Get(ctx, "k")
	readAll(t, blob)

	_ = s.Put(ctx, "k", strings.NewReader("new!"), 4)
	if s.Cached("k") {
		t.Fatal("put must invalidate the cached copy")
	}
	blob, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := string(readAll(t, blob)); got != "new!" {
		t.Errorf("got %q, want new!", got)
	}
}

func TestCachedStore_LargeBlobNotCached(t *testing.T) {
	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), time.Minute, 8)

	data := bytes.Repeat([]byte("x"), 64)
	_ = s.Put(ctx, "big", bytes.NewReader(data), int64(len(data)))

	blob, err := s.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(blob.Body)
	blob.Body.Close()
	if !bytes.Equal(got, data) {
		t.Error("large blob content mismatch")
	}
	if s.Cached("big") {
		t.Error("blob above max item size must not be cached")
	}
}

func TestCachedStore_MissNotCached(t *testing.T) {
	s := NewCachedStore(NewMemoryStore(), time.Minute, 1024)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Cached("nope") {
		t.Error("misses must not be cached")
	}
}
