package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func readAll(t *testing.T, blob *Blob) []byte {
	t.Helper()
	defer blob.Body.Close()
	data, err := io.ReadAll(blob.Body)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	return data
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tests := []struct {
		name string
		key  string
		data []byte
	}{
		{"pdf", "files/report.pdf", []byte("%PDF-1.4...")},
		{"empty", "files/empty.bin", []byte{}},
		{"binary", "a/b/c.bin", []byte{0x00, 0xff, 0x0d, 0x0a, 0x0d, 0x0a, 0x00}},
		{"large", "big.dat", bytes.Repeat([]byte("0123456789abcdef"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Put(ctx, tt.key, bytes.NewReader(tt.data), int64(len(tt.data))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			blob, err := s.Get(ctx, tt.key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if blob.Size != int64(len(tt.data)) {
				t.Errorf("Size = %d, want %d", blob.Size, len(tt.data))
			}
			if got := readAll(t, blob); !bytes.Equal(got, tt.data) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(tt.data))
			}
		})
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "files/missing.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "k", strings.NewReader("first"), 5)
	_ = s.Put(ctx, "k", strings.NewReader("second"), 6)

	blob, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := string(readAll(t, blob)); got != "second" {
		t.Errorf("got %q, want last write", got)
	}
}

func TestMemoryStore_ShortBodyNotCommitted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Put(ctx, "k", strings.NewReader("only40bytes"), 100)
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("short upload must not be stored, got %v", err)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestMemoryStore_BodyErrorPropagates(t *testing.T) {
	sentinel := errors.New("peer went away")
	err := NewMemoryStore().Put(context.Background(), "k", failingReader{sentinel}, 10)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected body error in chain, got %v", err)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			data := fmt.Sprintf("value-%d", i)
			if err := s.Put(ctx, key, strings.NewReader(data), int64(len(data))); err != nil {
				t.Errorf("Put: %v", err)
			}
			if blob, err := s.Get(ctx, key); err == nil {
				_, _ = io.Copy(io.Discard, blob.Body)
				blob.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 4 {
		t.Errorf("Len = %d, want 4", s.Len())
	}
}
