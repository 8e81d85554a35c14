package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func collectEvents(t *testing.T) (Notify, chan Event) {
	t.Helper()
	ch := make(chan Event, 64)
	return func(e Event) { ch <- e }, ch
}

func waitEvent(t *testing.T, ch chan Event, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if pred(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for fs event")
		}
	}
}

func TestWatchDeliversEvents(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	notify, events := collectEvents(t)

	unwatch, err := w.Watch(dir, notify)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer unwatch()

	target := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, events, func(e Event) bool { return e.Path == target })
	if e.Root != dir {
		t.Errorf("event root = %q, want %q", e.Root, dir)
	}
}

func TestWatchPicksUpNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	notify, events := collectEvents(t)

	unwatch, err := w.Watch(dir, notify)
	if err != nil {
		t.Fatal(err)
	}
	defer unwatch()

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, func(e Event) bool { return e.Path == sub })

	// Writes inside the new directory are seen too. The directory add races
	// with the write, so retry briefly.
	target := filepath.Join(sub, "inner.txt")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case e := <-events:
			if e.Path == target {
				return
			}
		case <-time.After(200 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("nested write never observed")
		}
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	notify, events := collectEvents(t)

	unwatch, err := w.Watch(dir, notify)
	if err != nil {
		t.Fatal(err)
	}
	unwatch()
	unwatch() // idempotent

	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		t.Errorf("event after unwatch: %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTwoSubscribersSameRoot(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	n1, ch1 := collectEvents(t)
	n2, ch2 := collectEvents(t)

	u1, err := w.Watch(dir, n1)
	if err != nil {
		t.Fatal(err)
	}
	defer u1()
	u2, err := w.Watch(dir, n2)
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "shared")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch1, func(e Event) bool { return e.Path == target })
	waitEvent(t, ch2, func(e Event) bool { return e.Path == target })

	// Dropping one subscriber keeps the other alive.
	u2()
	target2 := filepath.Join(dir, "still-works")
	if err := os.WriteFile(target2, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch1, func(e Event) bool { return e.Path == target2 })
}
