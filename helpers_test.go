package strata

import (
	"context"
	"testing"
)

func TestEachFallbacks(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory[int]()
	defer backend.Close()

	if err := SetEach[int](ctx, backend, map[string]int{"a": 1, "b": 2, "c": 3}, 0); err != nil {
		t.Fatalf("SetEach: %v", err)
	}

	got, err := GetEach[int](ctx, backend, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("GetEach: %v", err)
	}
	if len(got) != 2 || got["a"] != 1 || got["c"] != 3 {
		t.Errorf("GetEach = %v; want map[a:1 c:3]", got)
	}

	removed, err := DeleteEach[int](ctx, backend, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("DeleteEach: %v", err)
	}
	if removed != 2 {
		t.Errorf("DeleteEach removed = %d; want 2", removed)
	}
}

func TestPageKeys(t *testing.T) {
	matched := []string{"a", "b", "c", "d", "e"}

	// First page.
	page := pageKeys(matched, 0, 2, 0)
	if len(page.Keys) != 2 || page.Keys[0] != "a" || page.Keys[1] != "b" {
		t.Errorf("first page = %v; want [a b]", page.Keys)
	}
	if !page.HasMore || page.Cursor != 2 {
		t.Errorf("first page cursor = %d, more = %v; want 2, true", page.Cursor, page.HasMore)
	}
	if page.TotalScanned != len(page.Keys) {
		t.Errorf("TotalScanned = %d; want len(Keys) = %d", page.TotalScanned, len(page.Keys))
	}

	// Resume from the cursor.
	page = pageKeys(matched, page.Cursor, 2, 0)
	if len(page.Keys) != 2 || page.Keys[0] != "c" {
		t.Errorf("second page = %v; want [c d]", page.Keys)
	}

	// Final partial page completes the scan.
	page = pageKeys(matched, page.Cursor, 2, 0)
	if len(page.Keys) != 1 || page.Keys[0] != "e" {
		t.Errorf("final page = %v; want [e]", page.Keys)
	}
	if page.HasMore || page.Cursor != 0 {
		t.Errorf("final page cursor = %d, more = %v; want 0, false", page.Cursor, page.HasMore)
	}

	// maxKeys caps the page below count; TotalScanned follows the cap.
	page = pageKeys(matched, 0, 4, 2)
	if len(page.Keys) != 2 {
		t.Errorf("capped page size = %d; want 2", len(page.Keys))
	}
	if page.TotalScanned != 2 {
		t.Errorf("capped TotalScanned = %d; want 2", page.TotalScanned)
	}

	// A cursor past the end yields an empty, complete page.
	page = pageKeys(matched, 99, 2, 0)
	if len(page.Keys) != 0 || page.HasMore {
		t.Errorf("overrun page = %v, more = %v; want empty, false", page.Keys, page.HasMore)
	}
}

func TestProbeHealth_FailingBackend(t *testing.T) {
	// Zero capacity makes every Set fail, so the probe must report false.
	backend := NewMemory[int](WithMaxSize(0))
	defer backend.Close()

	if probeHealth[int](context.Background(), backend) {
		t.Error("probe should fail when writes fail")
	}
}
