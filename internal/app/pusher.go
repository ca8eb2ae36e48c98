package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/tether/internal/config"
	"github.com/1ureka/tether/internal/discovery"
	"github.com/1ureka/tether/internal/metrics"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/session"
	"github.com/1ureka/tether/internal/snapshot"
	"github.com/1ureka/tether/internal/util"
	"github.com/1ureka/tether/internal/watcher"
)

// workspaceSuffix marks Xcode workspace bundles. Their contents change all
// the time and never affect what the runner executes.
const workspaceSuffix = ".xcworkspace"

// PusherOption configures RunPusher.
type PusherOption func(*pusherOptions)

type pusherOptions struct {
	runRequests <-chan struct{}
}

// WithRunRequests makes every value received on ch send a runCommand on
// the runner session, independent of file changes.
func WithRunRequests(ch <-chan struct{}) PusherOption {
	return func(o *pusherOptions) { o.runRequests = ch }
}

// RunPusher orchestrates the push role:
//  1. Watch cfg.Root for changes
//  2. Keep a main and a runner session to cfg.Device alive
//  3. Turn every change-set into fileDelete / fileWrite frames on main
//     and a runCommand on runner
//  4. Push the whole tree whenever main (re)connects
//  5. Send a runCommand for each manual run request
//
// It blocks until ctx is cancelled.
func RunPusher(ctx context.Context, cfg config.Config, opts ...PusherOption) error {
	var o pusherOptions
	for _, opt := range opts {
		opt(&o)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return err
	}
	mainPort, runnerPort := cfg.Ports()

	hub := discovery.NewHub()
	dialer := newDialer(cfg)
	p := &pusher{root: root, runOnChange: cfg.RunOnChange}

	// The receiver never sends anything the pusher understands.
	rejectAll := func(protocol.Header) bool { return false }

	mainSession := session.New("main", mainPort, hub, dialer,
		session.WithRetryDelay(cfg.RetryDelay),
		session.WithAdmission(rejectAll),
		session.WithConnectivityHandler(func(connected bool) {
			if connected && cfg.PushOnConnect {
				go p.pushAll(ctx)
			}
		}),
	)
	runnerSession := session.New("runner", runnerPort, hub, dialer,
		session.WithRetryDelay(cfg.RetryDelay),
		session.WithAdmission(rejectAll),
	)
	p.main, p.runner = mainSession, runnerSession

	w := watcher.New(root, func(changes snapshot.ChangeSet) {
		p.handleChanges(ctx, changes)
	}, watcher.WithLatency(cfg.Latency))
	p.paths = w.Paths

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	defer w.Close()

	for _, s := range []*session.Session{mainSession, runnerSession} {
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Close()
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("pushing %s to %s (main %d, runner %d)", root, cfg.Device, mainPort, runnerPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prober := discovery.NewProber(hub, cfg.Device, []protocol.Port{mainPort, runnerPort}, cfg.ProbeInterval)
		return prober.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr) })
	}
	if o.runRequests != nil {
		g.Go(func() error {
			p.serveRunRequests(gctx, o.runRequests)
			return nil
		})
	}
	return g.Wait()
}

// frameSender is the part of a session the pusher uses.
type frameSender interface {
	Send(ctx context.Context, typ protocol.Type, payload []byte) error
}

// pusher maps change-sets onto frames. Batches are serialized so the
// receiver sees each change-set's frames contiguously and in order.
type pusher struct {
	root        string
	main        frameSender
	runner      frameSender
	runOnChange bool
	paths       func() []string

	mu sync.Mutex
}

// pushAll empties the receiver's copy and sends every path in the tree.
func (p *pusher) pushAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.main.Send(ctx, protocol.TypeEmptyBundle, nil); err != nil {
		util.LogWarning("failed to start full push: %v", err)
		return
	}

	all := snapshot.ChangeSet{Changed: make(snapshot.PathSet), Removed: make(snapshot.PathSet)}
	for _, path := range p.paths() {
		all.Changed.Add(path)
	}
	util.LogInfo("pushing all %d paths", len(all.Changed))
	p.send(ctx, all)
}

// serveRunRequests sends a runCommand for every request until ctx is done
// or requests is closed.
func (p *pusher) serveRunRequests(ctx context.Context, requests <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-requests:
			if !ok {
				return
			}
			p.runNow(ctx)
		}
	}
}

// runNow asks the receiver to run, without waiting for a change.
func (p *pusher) runNow(ctx context.Context) {
	if err := p.runner.Send(ctx, protocol.TypeRunCommand, nil); err != nil {
		util.LogWarning("failed to send runCommand: %v", err)
		return
	}
	util.LogInfo("run requested")
}

func (p *pusher) handleChanges(ctx context.Context, changes snapshot.ChangeSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send(ctx, changes)
}

// send emits one change-set. Caller holds mu.
func (p *pusher) send(ctx context.Context, changes snapshot.ChangeSet) {
	// The runner is told first; it has the slowest reaction.
	if p.runOnChange && needsRun(p.root, changes.Changed) {
		if err := p.runner.Send(ctx, protocol.TypeRunCommand, nil); err != nil {
			util.LogWarning("failed to send runCommand: %v", err)
		}
	}

	for _, path := range changes.Removed.Sorted() {
		rel, ok := p.relative(path)
		if !ok {
			continue
		}
		payload, err := protocol.EncodeFileDelete(rel)
		if err != nil {
			util.LogWarning("skipping deletion of %s: %v", path, err)
			continue
		}
		if !p.sendMain(ctx, protocol.TypeFileDelete, payload, rel) {
			return
		}
	}

	// Sorted order puts every directory before its contents.
	for _, path := range changes.Changed.Sorted() {
		req, ok := p.writeRequest(path)
		if !ok {
			continue
		}
		payload, err := req.Encode()
		if err != nil {
			util.LogWarning("skipping write of %s: %v", path, err)
			continue
		}
		if !p.sendMain(ctx, protocol.TypeFileWrite, payload, req.Path) {
			return
		}
	}
}

// sendMain sends one frame on main. It reports false when the rest of the
// batch should be dropped.
func (p *pusher) sendMain(ctx context.Context, typ protocol.Type, payload []byte, rel string) bool {
	err := p.main.Send(ctx, typ, payload)
	switch {
	case err == nil:
		util.LogDebug("sent %s %s", typ, rel)
		return true
	case errors.Is(err, protocol.ErrFrameTooLarge):
		util.LogWarning("skipping %s %s: %v", typ, rel, err)
		return true
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrClosed), ctx.Err() != nil:
		util.LogWarning("main session unavailable, dropping rest of change-set: %v", err)
		return false
	default:
		util.LogWarning("failed to send %s %s: %v", typ, rel, err)
		return true
	}
}

// writeRequest builds the fileWrite request for an absolute path.
// Directories carry no content and a trailing "/".
func (p *pusher) writeRequest(path string) (protocol.FileWriteRequest, bool) {
	rel, ok := p.relative(path)
	if !ok {
		return protocol.FileWriteRequest{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		// Gone since the snapshot; the next diff reports the removal.
		util.LogDebug("skipping %s: %v", rel, err)
		return protocol.FileWriteRequest{}, false
	}
	if info.IsDir() {
		return protocol.FileWriteRequest{Path: rel + "/"}, true
	}

	if !fitsFrame(rel, info.Size()) {
		util.LogWarning("skipping %s: %d bytes does not fit in one frame (max %d)", rel, info.Size(), protocol.MaxPayloadSize)
		return protocol.FileWriteRequest{}, false
	}

	content, err := os.ReadFile(path)
	if err != nil {
		util.LogWarning("skipping %s: %v", rel, err)
		return protocol.FileWriteRequest{}, false
	}
	return protocol.FileWriteRequest{Path: rel, Content: content}, true
}

// fitsFrame reports whether a fileWrite for rel with size content bytes
// stays within protocol.MaxPayloadSize once encoded.
func fitsFrame(rel string, size int64) bool {
	return size <= int64(protocol.MaxPayloadSize)-protocol.PathLengthSize-int64(len(rel))
}

// relative converts an absolute path under the root to a slash-separated
// relative path.
func (p *pusher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(p.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		util.LogWarning("ignoring path outside %s: %s", p.root, path)
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// needsRun reports whether any changed path lies outside every Xcode
// workspace bundle.
func needsRun(root string, changed snapshot.PathSet) bool {
	for path := range changed {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		if !inWorkspace(rel) {
			return true
		}
	}
	return false
}

func inWorkspace(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasSuffix(strings.ToLower(part), workspaceSuffix) {
			return true
		}
	}
	return false
}
