package dispatch

import "testing"

func TestResolveUnderRootAllowsNested(t *testing.T) {
	got, err := resolveUnderRoot("/srv/shared", "photos/trip.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/srv/shared/photos/trip.jpg" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveUnderRootRejectsTraversal(t *testing.T) {
	cases := []string{"../etc/passwd", "../../secret", "photos/../../etc/passwd"}
	for _, p := range cases {
		if _, err := resolveUnderRoot("/srv/shared", p); err == nil {
			t.Errorf("expected forbidden for %q, got nil error", p)
		}
	}
}

func TestResolveUnderRootAllowsRootItself(t *testing.T) {
	got, err := resolveUnderRoot("/srv/shared", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/srv/shared" {
		t.Fatalf("got %q", got)
	}
}

func TestEchoSuppressionWithinWindow(t *testing.T) {
	d := &Dispatcher{lastSeen: map[string]lastClip{}}
	d.recordSeen("peer-1", "hello")
	if !d.shouldSuppressEcho("peer-1", "hello") {
		t.Fatal("expected identical text from same origin within window to be suppressed")
	}
	if d.shouldSuppressEcho("peer-1", "different text") {
		t.Fatal("expected different text not to be suppressed")
	}
	if d.shouldSuppressEcho("peer-2", "hello") {
		t.Fatal("expected a different origin not to be suppressed")
	}
}
