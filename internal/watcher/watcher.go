// Package watcher reports batched change-sets for a directory tree.
//
// Raw filesystem signals are coalesced over a latency window. When the
// window ends the tree is snapshotted and diffed against the previous
// snapshot; only non-empty change-sets reach the callback.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/tether/internal/metrics"
	"github.com/1ureka/tether/internal/snapshot"
	"github.com/1ureka/tether/internal/util"
)

// DefaultLatency is the coalescing window used when none is configured.
const DefaultLatency = time.Second

// ErrStarted is returned by Start on a watcher that was already started.
var ErrStarted = errors.New("watcher already started")

// Option configures a Watcher.
type Option func(*Watcher)

// WithLatency sets the coalescing window.
func WithLatency(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.latency = d
		}
	}
}

// WithSource replaces the default fsnotify source.
func WithSource(src Source) Option {
	return func(w *Watcher) { w.source = src }
}

// Watcher watches one root directory. The callback runs on the watcher's
// own goroutine, one change-set at a time.
type Watcher struct {
	root     string
	onChange func(snapshot.ChangeSet)
	latency  time.Duration
	source   Source

	mu   sync.Mutex
	snap snapshot.Snapshot

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher for root. It does nothing until Start is called.
func New(root string, onChange func(snapshot.ChangeSet), opts ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		onChange: onChange,
		latency:  DefaultLatency,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start takes the baseline snapshot and begins watching. The baseline is
// never reported as a change.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrStarted
	}

	snap, err := snapshot.Take(w.root)
	if err != nil {
		return err
	}

	if w.source == nil {
		src, err := NewFSNotifySource(w.root)
		if err != nil {
			return err
		}
		w.source = src
	}

	w.snap = snap
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return nil
}

// Close stops watching and releases the source. It is safe to call more
// than once and on a watcher that was never started.
func (w *Watcher) Close() error {
	w.mu.Lock()
	cancel, started := w.cancel, w.started
	w.cancel = nil
	w.mu.Unlock()

	if !started || cancel == nil {
		return nil
	}
	cancel()
	<-w.done
	return w.source.Close()
}

// Paths returns every path in the most recent snapshot, sorted.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Paths()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	signals := w.source.Signals()
	errs := w.source.Errors()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			// The first signal opens the window; later ones ride along.
			if fire == nil {
				timer = time.NewTimer(w.latency)
				fire = timer.C
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			util.LogWarning("watcher: %v", err)

		case <-fire:
			fire = nil
			w.rescan()
		}
	}
}

func (w *Watcher) rescan() {
	next, err := snapshot.Take(w.root)
	if err != nil {
		util.LogWarning("watcher: failed to snapshot %s: %v", w.root, err)
		return
	}

	w.mu.Lock()
	changes := snapshot.Diff(w.snap, next)
	w.snap = next
	w.mu.Unlock()

	if changes.Empty() {
		return
	}

	util.LogDebug("watcher: %d changed, %d removed", len(changes.Changed), len(changes.Removed))
	metrics.RecordChangeSet(len(changes.Changed), len(changes.Removed))

	if w.onChange != nil {
		w.onChange(changes)
	}
}
