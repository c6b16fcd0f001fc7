package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"onlytask-api/domain"
)

func newTestLibrary(t *testing.T, store *stubStore, now func() time.Time) (*SOPLibrary, *PersistPool) {
	t.Helper()
	pool := NewPersistPool(2, 64, time.Second, 0, testLogger())
	lib := NewSOPLibrary("user-1", store, pool, testLogger(), now)
	return lib, pool
}

func TestSOPAddPrependsAndStampsUpdatedAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, func() time.Time { return now })

	first, err := lib.Add("Deploy checklist", "<p>steps</p>", []string{"ops"}, domain.SOPUpdate{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := lib.Add("Review guide", "", nil, domain.SOPUpdate{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	sops := lib.SOPs()
	if sops[0].ID != second.ID || sops[1].ID != first.ID {
		t.Fatalf("expected newest SOP first, got %s, %s", sops[0].Title, sops[1].Title)
	}
	if !first.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt %v, got %v", now, first.UpdatedAt)
	}
	if second.Tags == nil {
		t.Fatal("tags should default to an empty list")
	}

	pool.Shutdown()
	if len(store.sopInserted) != 2 {
		t.Fatalf("expected 2 SOP inserts, got %d", len(store.sopInserted))
	}
}

func TestSOPAddRejectsEmptyTitle(t *testing.T) {
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, nil)
	defer pool.Shutdown()

	if _, err := lib.Add("", "", nil, domain.SOPUpdate{}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestSOPUpdateRefreshesTimestamp(t *testing.T) {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	current := created
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, func() time.Time { return current })
	defer pool.Shutdown()

	sop, _ := lib.Add("Guide", "v1", []string{"docs"}, domain.SOPUpdate{})

	current = created.Add(time.Hour)
	content := "v2"
	merged, err := lib.Update(sop.ID, domain.SOPUpdate{Content: &content})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if merged.Content != "v2" || merged.Title != "Guide" {
		t.Fatalf("shallow merge broke fields: %+v", merged)
	}
	if !merged.UpdatedAt.Equal(current) {
		t.Fatalf("expected refreshed updatedAt %v, got %v", current, merged.UpdatedAt)
	}
}

func TestSOPUpdateUnknownID(t *testing.T) {
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, nil)
	defer pool.Shutdown()

	title := "x"
	if _, err := lib.Update("missing", domain.SOPUpdate{Title: &title}); !errors.Is(err, ErrSOPNotFound) {
		t.Fatalf("expected ErrSOPNotFound, got %v", err)
	}
}

func TestSOPDelete(t *testing.T) {
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, nil)

	sop, _ := lib.Add("Guide", "", nil, domain.SOPUpdate{})
	if err := lib.Delete(sop.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(lib.SOPs()) != 0 {
		t.Fatal("delete should remove the SOP from memory immediately")
	}

	pool.Shutdown()
	if len(store.sopDeleted) != 1 || store.sopDeleted[0] != sop.ID {
		t.Fatalf("expected remote delete of %s, got %v", sop.ID, store.sopDeleted)
	}
}

func TestSOPSearch(t *testing.T) {
	store := &stubStore{}
	lib, pool := newTestLibrary(t, store, nil)
	defer pool.Shutdown()

	_, _ = lib.Add("Deploy checklist", "release steps", []string{"ops"}, domain.SOPUpdate{})
	_, _ = lib.Add("Onboarding", "welcome doc", []string{"hr"}, domain.SOPUpdate{})

	if got := lib.Search("deploy", ""); len(got) != 1 || got[0].Title != "Deploy checklist" {
		t.Fatalf("query search failed: %+v", got)
	}
	if got := lib.Search("", "HR"); len(got) != 1 || got[0].Title != "Onboarding" {
		t.Fatalf("tag search should be case-insensitive: %+v", got)
	}
	if got := lib.Search("welcome", "ops"); len(got) != 0 {
		t.Fatalf("query and tag must both match, got %+v", got)
	}
	if got := lib.Search("", ""); len(got) != 2 {
		t.Fatalf("empty search returns everything, got %d", len(got))
	}
}

func TestLibraryLoad(t *testing.T) {
	store := &stubStore{sops: []domain.SOP{{ID: "s1", Title: "Guide", Tags: []string{}}}}
	lib, pool := newTestLibrary(t, store, nil)
	defer pool.Shutdown()

	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !lib.Loaded() || len(lib.SOPs()) != 1 {
		t.Fatalf("expected loaded library with 1 SOP, got %d", len(lib.SOPs()))
	}
}
