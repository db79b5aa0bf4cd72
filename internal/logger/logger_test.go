package logger

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devsupd.log")
	log, closeFn, err := New("info", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	log.Info("daemon starting", "component", "test")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	if got := scanner.Text(); got == "" {
		t.Fatal("expected non-empty log line")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if ParseLevel("bogus") != ParseLevel("info") {
		t.Fatal("unrecognized level should default to info")
	}
}
