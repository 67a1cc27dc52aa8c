package ids_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/queuegate/internal/ids"
)

func TestNew_IsValidAndOrdered(t *testing.T) {
	now := time.Now()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := ids.New(now)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("ULID should be 26 chars, got %d: %s", len(id), id)
		}
		if err := ids.Validate(id); err != nil {
			t.Fatalf("Validate(%s): %v", id, err)
		}
		if id <= prev {
			t.Fatalf("ids not monotonic within one millisecond: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestTime_RoundTrips(t *testing.T) {
	at := time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)
	id, err := ids.New(at)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := ids.Time(id)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("Time = %v, want %v", got, at)
	}
	if _, err := ids.Time("not-a-ulid"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestInstance_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	a, err := ids.Instance(dir, "auto")
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	b, err := ids.Instance(dir, "")
	if err != nil {
		t.Fatalf("Instance (second): %v", err)
	}
	if a != b {
		t.Errorf("instance id changed across calls: %s vs %s", a, b)
	}
}

func TestInstance_Override(t *testing.T) {
	want := ids.MustNew()
	got, err := ids.Instance(t.TempDir(), want)
	if err != nil || got != want {
		t.Fatalf("Instance(override) = %s, %v", got, err)
	}
	if _, err := ids.Instance(t.TempDir(), "bogus"); err == nil {
		t.Error("expected error for invalid override")
	}
}

func TestInstance_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := ids.Instance(dir, "auto"); err == nil {
		t.Error("expected error for corrupt instance id file")
	}
}
