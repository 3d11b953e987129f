package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettingsMatchesSpecDefaults(t *testing.T) {
	s := DefaultSettings()
	if time.Duration(s.Scheduler.DeadAfter) != 10*time.Second {
		t.Fatalf("unexpected T_dead default: %v", s.Scheduler.DeadAfter)
	}
	if time.Duration(s.Scheduler.SenderDiscoveryWait) != 5*time.Minute {
		t.Fatalf("unexpected discovery wait default: %v", s.Scheduler.SenderDiscoveryWait)
	}
	if s.Builder.PerSenderFetchCap != 4 {
		t.Fatalf("unexpected per-sender fetch cap default: %d", s.Builder.PerSenderFetchCap)
	}
	if !s.Builder.RetainFirstFragmentPerEquipment {
		t.Fatal("expected empty-trigger filter retained by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	contents := "builder:\n  per_sender_fetch_cap: 16\nscheduler:\n  dead_after: 30s\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Builder.PerSenderFetchCap != 16 {
		t.Fatalf("expected override to take effect, got %d", s.Builder.PerSenderFetchCap)
	}
	if time.Duration(s.Scheduler.DeadAfter) != 30*time.Second {
		t.Fatalf("expected dead_after override, got %v", s.Scheduler.DeadAfter)
	}
	// Fields absent from the file keep their defaults.
	if s.Builder.RetainFirstFragmentPerEquipment != true {
		t.Fatal("expected unspecified field to retain default")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/settings.yaml"); err == nil {
		t.Fatal("expected error loading missing file")
	}
}
