package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreSetGetPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	s, err := NewFileStore(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer s.Close()

	if err := s.Set("builder.per_sender_fetch_cap", "8"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, err := NewFileStore(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, ok := reopened.Get("builder.per_sender_fetch_cap")
	if !ok || v != "8" {
		t.Fatalf("unexpected value after reopen: %q, %v", v, ok)
	}
}

func TestFileStoreWatchFiresOnExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	s, err := NewFileStore(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer s.Close()

	notified := make(chan string, 1)
	cancel := s.Watch("builder.", func(key, value string) {
		notified <- value
	})
	defer cancel()

	// Simulate an external process rewriting the file directly.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(path, []byte("builder.retain_first_fragment_per_equipment: \"false\"\n"), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	// Ensure the new mtime is observably later than the poller's last seen
	// mtime on filesystems with coarse mtime resolution.
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case v := <-notified:
		if v != "false" {
			t.Fatalf("unexpected watched value: %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for external-edit notification")
	}
}
