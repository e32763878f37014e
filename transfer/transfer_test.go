package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConflictAppendsCountBeforeExtension(t *testing.T) {
	dir := t.TempDir()
	if got, want := resolveConflict(dir, "photo.png"), filepath.Join(dir, "photo.png"); got != want {
		t.Fatalf("first candidate = %q, want %q", got, want)
	}

	os.WriteFile(filepath.Join(dir, "photo.png"), []byte("x"), 0600)
	if got, want := resolveConflict(dir, "photo.png"), filepath.Join(dir, "photo (2).png"); got != want {
		t.Fatalf("second candidate = %q, want %q", got, want)
	}

	os.WriteFile(filepath.Join(dir, "photo (2).png"), []byte("x"), 0600)
	if got, want := resolveConflict(dir, "photo.png"), filepath.Join(dir, "photo (3).png"); got != want {
		t.Fatalf("third candidate = %q, want %q", got, want)
	}
}

func TestResolveConflictNoExtension(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0600)
	got := resolveConflict(dir, "README")
	want := filepath.Join(dir, "README (2)")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWalkManifestSortsByPath(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "sub"), 0700)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0600)
	os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("a"), 0600)

	entries, err := walkManifest(dir)
	if err != nil {
		t.Fatalf("walkManifest: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "b.txt" || entries[1].Path != filepath.ToSlash(filepath.Join("sub", "a.txt")) {
		t.Fatalf("unexpected manifest order: %+v", entries)
	}
	if entries[0].Size != 2 {
		t.Fatalf("expected b.txt size 2, got %d", entries[0].Size)
	}
}

func TestHashManifestDeterministic(t *testing.T) {
	entries := []manifestEntry{{Path: "a", Size: 1, Mode: 0644}}
	h1, err := hashManifest(entries)
	if err != nil {
		t.Fatalf("hashManifest: %v", err)
	}
	h2, _ := hashManifest(entries)
	if h1 != h2 {
		t.Fatal("expected hashManifest to be deterministic for identical input")
	}

	other := []manifestEntry{{Path: "a", Size: 2, Mode: 0644}}
	h3, _ := hashManifest(other)
	if h1 == h3 {
		t.Fatal("expected different manifests to hash differently")
	}
}

func TestJobOffsetMonotonic(t *testing.T) {
	j := &Job{}
	j.setOffset(10)
	j.setOffset(20)
	if j.Offset() != 20 {
		t.Fatalf("expected offset 20, got %d", j.Offset())
	}
}

func TestJobStateTransitions(t *testing.T) {
	j := &Job{state: StateOffered}
	if j.State() != StateOffered {
		t.Fatalf("expected offered, got %s", j.State())
	}
	j.setState(StateActive)
	if j.State() != StateActive {
		t.Fatalf("expected active, got %s", j.State())
	}
}
