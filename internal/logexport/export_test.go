package logexport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/devsupd/devsupd/internal/logstore"
)

func TestExportWritesEntriesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	entries := []*logstore.Entry{
		{SessionID: "s1", Seq: 1, WallMs: 100, Stream: logstore.StreamStdout, Bytes: []byte("hello\n")},
		{SessionID: "s1", Seq: 2, WallMs: 200, Stream: logstore.StreamStdout, Bytes: []byte("world\n")},
	}

	written, err := store.Export(ctx, "s1", entries)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if written != 2 {
		t.Fatalf("want 2 written, got %d", written)
	}

	// Re-exporting the same entries is idempotent.
	written, err = store.Export(ctx, "s1", entries)
	if err != nil {
		t.Fatalf("Export (repeat): %v", err)
	}
	if written != 0 {
		t.Fatalf("want 0 newly written on repeat export, got %d", written)
	}

	count, err := store.Count(ctx, "s1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("want 2 total entries, got %d", count)
	}
}

func TestExportEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	written, err := store.Export(context.Background(), "s1", nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if written != 0 {
		t.Fatalf("want 0 written for empty export, got %d", written)
	}
}
