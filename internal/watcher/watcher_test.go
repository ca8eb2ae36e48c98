package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1ureka/tether/internal/snapshot"
)

type fakeSource struct {
	signals chan struct{}
	errors  chan error
	closed  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		signals: make(chan struct{}, 16),
		errors:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSource) Signals() <-chan struct{} { return f.signals }
func (f *fakeSource) Errors() <-chan error     { return f.errors }
func (f *fakeSource) Close() error {
	close(f.closed)
	return nil
}

func (f *fakeSource) signal() { f.signals <- struct{}{} }

func startWatcher(t *testing.T, root string, latency time.Duration) (*fakeSource, <-chan snapshot.ChangeSet) {
	t.Helper()

	src := newFakeSource()
	changes := make(chan snapshot.ChangeSet, 16)
	w := New(root, func(c snapshot.ChangeSet) { changes <- c },
		WithLatency(latency), WithSource(src))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return src, changes
}

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherDeliversChanges(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	writeFile(t, a, time.Unix(1, 0))

	src, changes := startWatcher(t, root, 20*time.Millisecond)

	writeFile(t, b, time.Unix(2, 0))
	src.signal()

	select {
	case c := <-changes:
		if len(c.Changed) != 1 || !c.Changed.Has(b) {
			t.Errorf("Changed = %v, want {%s}", c.Changed.Sorted(), b)
		}
		if len(c.Removed) != 0 {
			t.Errorf("Removed = %v, want empty", c.Removed.Sorted())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change-set delivered")
	}

	writeFile(t, a, time.Unix(3, 0))
	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}
	src.signal()

	select {
	case c := <-changes:
		if len(c.Changed) != 1 || !c.Changed.Has(a) {
			t.Errorf("Changed = %v, want {%s}", c.Changed.Sorted(), a)
		}
		if len(c.Removed) != 1 || !c.Removed.Has(b) {
			t.Errorf("Removed = %v, want {%s}", c.Removed.Sorted(), b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change-set delivered")
	}
}

func TestWatcherSuppressesEmptyChangeSets(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), time.Unix(1, 0))

	src, changes := startWatcher(t, root, 10*time.Millisecond)
	src.signal()

	select {
	case c := <-changes:
		t.Fatalf("unexpected change-set: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	src, changes := startWatcher(t, root, 150*time.Millisecond)

	for i, name := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(root, name), time.Unix(int64(i+1), 0))
		src.signal()
	}

	select {
	case c := <-changes:
		if len(c.Changed) != 3 {
			t.Errorf("Changed = %v, want 3 paths", c.Changed.Sorted())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change-set delivered")
	}

	select {
	case c := <-changes:
		t.Fatalf("burst produced a second change-set: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "dir", "f"), time.Unix(1, 0))

	w := New(root, nil, WithSource(newFakeSource()))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	got := w.Paths()
	want := []string{filepath.Join(root, "dir"), filepath.Join(root, "dir", "f")}
	if len(got) != len(want) {
		t.Fatalf("Paths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Paths()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatcherStartTwice(t *testing.T) {
	w := New(t.TempDir(), nil, WithSource(newFakeSource()))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Start(context.Background()); err != ErrStarted {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}
}

func TestWatcherCloseClosesSource(t *testing.T) {
	src := newFakeSource()
	w := New(t.TempDir(), nil, WithSource(src))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-src.closed:
	default:
		t.Error("source not closed")
	}

	// Second close is a no-op.
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestFSNotifySource(t *testing.T) {
	root := t.TempDir()
	src, err := NewFSNotifySource(root)
	if err != nil {
		t.Fatalf("NewFSNotifySource: %v", err)
	}
	defer src.Close()

	waitSignal := func(what string) {
		t.Helper()
		select {
		case <-src.Signals():
		case <-time.After(3 * time.Second):
			t.Fatalf("no signal after %s", what)
		}
	}

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitSignal("mkdir")

	// Give the event goroutine a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)
	for len(src.Signals()) > 0 {
		<-src.Signals()
	}

	if err := os.WriteFile(filepath.Join(sub, "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitSignal("write in new subdirectory")
}
