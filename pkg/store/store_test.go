package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_WriteAndRead(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	data := []byte("png-bytes")
	if _, err := s.Write(42, Raw, ".png", data); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	got, ok := s.Read(42, Raw)
	if !ok {
		t.Fatal("Expected artifact to be readable, got absent")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Expected %q, got %q", data, got)
	}
}

func TestStore_ReadAbsent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, ok := s.Read(7, Small); ok {
		t.Error("Expected absent for unwritten artifact, got present")
	}
}

func TestStore_WriteReplacesOtherExtension(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, err := s.Write(9, Raw, ".jpg", []byte("old")); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if _, err := s.Write(9, Raw, ".png", []byte("new")); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	path, ok := s.Find(9, Raw)
	if !ok {
		t.Fatal("Expected artifact after rewrite, got absent")
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("Expected .png artifact, got %s", path)
	}
	got, _ := s.Read(9, Raw)
	if string(got) != "new" {
		t.Errorf("Expected new bytes, got %q", got)
	}
}

func TestStore_BucketsAreDisjoint(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, err := s.Write(5, Small, ".png", []byte("small")); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	if _, ok := s.Read(5, Large); ok {
		t.Error("Expected large bucket to miss an id written to small")
	}
	if _, ok := s.Read(5, Raw); ok {
		t.Error("Expected raw bucket to miss an id written to small")
	}
}

func TestStore_PurgeTransientOnce(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, err := s.Write(TempStart+1, Temp, ".png", []byte("stale")); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	s.PurgeTransientOnce()

	if _, ok := s.Find(TempStart+1, Temp); ok {
		t.Error("Expected scratch bucket to be empty after purge")
	}

	// Later writes must survive subsequent calls: the purge is one-shot.
	if _, err := s.Write(TempStart+2, Temp, ".png", []byte("fresh")); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	s.PurgeTransientOnce()

	if _, ok := s.Find(TempStart+2, Temp); !ok {
		t.Error("Expected artifact written after purge to survive a second call")
	}

	entries, err := os.ReadDir(filepath.Join(root, "temp"))
	if err != nil {
		t.Fatalf("failed to read temp dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry in scratch bucket, got %d", len(entries))
	}
}

func TestRouting(t *testing.T) {
	tests := []struct {
		id        int64
		bucket    Bucket
		key       int64
		transient bool
	}{
		{5, Small, 5, false},
		{-5, Large, 5, false},
		{TempStart + 5, Temp, TempStart + 5, true},
		{0, Small, 0, false},
	}

	for _, tt := range tests {
		if got := VariantBucket(tt.id); got != tt.bucket {
			t.Errorf("VariantBucket(%d): Expected %s, got %s", tt.id, tt.bucket, got)
		}
		if got := Key(tt.id); got != tt.key {
			t.Errorf("Key(%d): Expected %d, got %d", tt.id, tt.key, got)
		}
		if got := IsTransient(tt.id); got != tt.transient {
			t.Errorf("IsTransient(%d): Expected %v, got %v", tt.id, got, tt.transient)
		}
	}
}
