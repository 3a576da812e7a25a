package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/posekit/internal/detector"
)

// newTestStore creates a new Store in a temporary directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "posekit-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func testSessionRecord(id string, handle int64) *SessionRecord {
	cfg := detector.DefaultConfig()
	cfg.Model = "pose_landmarker_lite.task"
	return &SessionRecord{ID: id, Handle: handle, Config: cfg}
}

func TestSessionRepository_Create(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()

	rec := testSessionRecord("2f4d1c1e-0000-4000-8000-000000000001", 22)
	if err := repo.Create(rec); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	got, err := repo.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Handle != 22 {
		t.Errorf("expected handle 22, got %d", got.Handle)
	}
	if got.Config != rec.Config {
		t.Errorf("config mismatch: got %+v, want %+v", got.Config, rec.Config)
	}
	if got.ReleasedAt != nil {
		t.Error("new session should not be released")
	}
}

func TestSessionRepository_MarkReleased(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()

	rec := testSessionRecord("session-a", 22)
	if err := repo.Create(rec); err != nil {
		t.Fatal(err)
	}

	at := time.Now()
	if err := repo.MarkReleased(rec.ID, at); err != nil {
		t.Fatalf("failed to mark released: %v", err)
	}
	got, err := repo.GetByID(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReleasedAt == nil {
		t.Fatal("expected ReleasedAt to be set")
	}

	if err := repo.MarkReleased("missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRepository_GetByHandle(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()

	older := testSessionRecord("older", 22)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testSessionRecord("newer", 22)
	for _, rec := range []*SessionRecord{older, newer} {
		if err := repo.Create(rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.GetByHandle(22)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "newer" {
		t.Errorf("expected most recent session, got %s", got.ID)
	}

	if _, err := repo.GetByHandle(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRepository_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()

	for i, id := range []string{"a", "b", "c"} {
		rec := testSessionRecord(id, int64(22+i))
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := repo.Create(rec); err != nil {
			t.Fatal(err)
		}
	}

	list, err := repo.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "c" {
		t.Fatalf("expected newest two sessions, got %d starting with %v", len(list), list)
	}

	if err := repo.Delete("c"); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete("c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSettingsRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()

	if _, err := repo.Get("camera_enabled"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Set("camera_enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if err := repo.Set("camera_enabled", "false"); err != nil {
		t.Fatal(err)
	}
	v, err := repo.Get("camera_enabled")
	if err != nil || v != "false" {
		t.Errorf("expected false, got %q, %v", v, err)
	}
}
