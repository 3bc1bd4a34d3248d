package ingest

import (
	"fmt"
	"testing"
	"time"
)

func TestWindowSeen(t *testing.T) {
	w := NewWindow(time.Minute, 100)

	if w.Seen("t1", "m1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !w.Seen("t1", "m1") {
		t.Fatal("second sighting not reported as duplicate")
	}
	if w.Seen("t2", "m1") {
		t.Fatal("same id under a different tenant reported as duplicate")
	}
}

func TestWindowExpiry(t *testing.T) {
	w := NewWindow(10*time.Millisecond, 100)

	if w.Seen("t1", "m1") {
		t.Fatal("first sighting reported as duplicate")
	}

	w.Sweep(time.Now().Add(time.Second))

	if w.Seen("t1", "m1") {
		t.Fatal("expired id still reported as duplicate")
	}
}

func TestWindowBounded(t *testing.T) {
	const limit = 32
	w := NewWindow(time.Hour, limit)

	for i := 0; i < limit*4; i++ {
		w.Seen("t1", fmt.Sprintf("m%d", i))
	}

	if got := w.Len(); got > limit {
		t.Fatalf("window holds %d entries, limit is %d", got, limit)
	}
}
