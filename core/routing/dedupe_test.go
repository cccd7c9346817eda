package routing

import (
	"testing"
	"time"

	"github.com/vesselworks/plexus/core/messaging"
)

// TestDeduper_Seen verifies an identical message is suppressed within the
// window even when it carries a fresh id.
func TestDeduper_Seen(t *testing.T) {
	deduper := NewDeduper(time.Minute, 16)

	first := messaging.New("task.run", "payload").WithFrom("a").WithTo("b")
	if deduper.Seen(first) {
		t.Fatal("first message reported as duplicate")
	}

	second := messaging.New("task.run", "payload").WithFrom("a").WithTo("b")
	if second.ID == first.ID {
		t.Fatal("expected distinct ids")
	}
	if !deduper.Seen(second) {
		t.Error("identical message not suppressed")
	}

	if got := deduper.Suppressed(); got != 1 {
		t.Errorf("got suppressed %d, want 1", got)
	}
	if got := deduper.Len(); got != 1 {
		t.Errorf("got retained %d, want 1", got)
	}
}

// TestDeduper_DistinctSignatures verifies messages differing in any
// signature field pass through.
func TestDeduper_DistinctSignatures(t *testing.T) {
	deduper := NewDeduper(time.Minute, 16)

	base := messaging.New("task.run", "payload").WithFrom("a").WithTo("b")
	if deduper.Seen(base) {
		t.Fatal("first message reported as duplicate")
	}

	variants := []*messaging.Message{
		messaging.New("task.other", "payload").WithFrom("a").WithTo("b"),
		messaging.New("task.run", "payload").WithFrom("c").WithTo("b"),
		messaging.New("task.run", "payload").WithFrom("a").WithTo("d"),
		messaging.New("task.run", "other").WithFrom("a").WithTo("b"),
	}
	for _, msg := range variants {
		if deduper.Seen(msg) {
			t.Errorf("%s suppressed, want pass", msg.Signature())
		}
	}
}

// TestDeduper_WindowExpiry verifies a signature stops suppressing once the
// window lapses.
func TestDeduper_WindowExpiry(t *testing.T) {
	deduper := NewDeduper(20*time.Millisecond, 16)

	msg := messaging.New("task.run", "payload").WithFrom("a").WithTo("b")
	if deduper.Seen(msg) {
		t.Fatal("first message reported as duplicate")
	}

	time.Sleep(60 * time.Millisecond)

	repeat := messaging.New("task.run", "payload").WithFrom("a").WithTo("b")
	if deduper.Seen(repeat) {
		t.Error("message suppressed after window lapsed")
	}
}

// TestDeduper_CapacityBound verifies retention is bounded by capacity.
func TestDeduper_CapacityBound(t *testing.T) {
	deduper := NewDeduper(time.Minute, 2)

	for _, kind := range []string{"task.a", "task.b", "task.c"} {
		deduper.Seen(messaging.New(kind, "payload").WithFrom("a").WithTo("b"))
	}

	if got := deduper.Len(); got > 2 {
		t.Errorf("got retained %d, want at most 2", got)
	}
}

// TestDeduper_Defaults verifies zero config falls back to the standard
// window and capacity.
func TestDeduper_Defaults(t *testing.T) {
	deduper := NewDeduper(0, 0)

	if got := deduper.Window(); got != DefaultDedupeWindow {
		t.Errorf("got window %v, want %v", got, DefaultDedupeWindow)
	}
}
