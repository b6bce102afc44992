package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestAtRoundTripsTime(t *testing.T) {
	when := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	id := At(when)
	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) not parsed", id)
	}
	if !got.Equal(when) {
		t.Fatalf("Time(%q)=%v, want %v", id, got, when)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected invalid id to be rejected")
	}
}
