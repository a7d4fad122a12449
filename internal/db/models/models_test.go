package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSyncRunDuration(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &SyncRun{StartedAt: start}
	if d := run.Duration(); d != 0 {
		t.Errorf("open run Duration = %v, want 0", d)
	}

	end := start.Add(1500 * time.Millisecond)
	run.CompletedAt = &end
	if d := run.Duration(); d != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", d)
	}
}

func TestDirectoryEntry_HidesPasswordHash(t *testing.T) {
	b, err := json.Marshal(DirectoryEntry{ID: "u-1", Email: "ada@acme.test", PasswordHash: "$2a$10$secret"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(b), "secret") || strings.Contains(string(b), "password_hash") {
		t.Errorf("password hash leaked into JSON: %s", b)
	}
}

func TestOrganization_OmitsEmptyOptionalFields(t *testing.T) {
	b, err := json.Marshal(Organization{ID: "acme", Name: "Acme"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, field := range []string{"phone_number", "owner_id"} {
		if strings.Contains(string(b), field) {
			t.Errorf("%s should be omitted when nil: %s", field, b)
		}
	}
}
