package app

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/tether/internal/bundle"
	"github.com/1ureka/tether/internal/config"
	"github.com/1ureka/tether/internal/metrics"
	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/router"
	"github.com/1ureka/tether/internal/util"
)

// RunReceiver orchestrates the receive role:
//  1. Open the bundle at cfg.Root
//  2. Serve the main and runner channel numbers on cfg.Listen
//  3. Apply fileWrite / fileDelete / emptyBundle from main to the bundle
//  4. Run cfg.RunCommand on runCommand from runner
//
// It blocks until ctx is cancelled.
func RunReceiver(ctx context.Context, cfg config.Config) error {
	b, err := bundle.Open(cfg.Root)
	if err != nil {
		return err
	}
	mainPort, runnerPort := cfg.Ports()

	mainRouter := router.New()
	mainRouter.OnFileWrite(func(req protocol.FileWriteRequest, err error) {
		if err != nil {
			util.LogWarning("dropping malformed fileWrite: %v", err)
			return
		}
		if err := b.Write(req); err != nil {
			util.LogError("%v", err)
			return
		}
		util.LogDebug("wrote %s (%d bytes)", req.Path, len(req.Content))
	})
	mainRouter.OnFileDelete(func(path string, err error) {
		if err != nil {
			util.LogWarning("dropping malformed fileDelete: %v", err)
			return
		}
		if err := b.Delete(path); err != nil {
			util.LogError("%v", err)
			return
		}
		util.LogDebug("deleted %s", path)
	})
	mainRouter.OnEmptyBundle(func() {
		if err := b.Empty(); err != nil {
			util.LogError("%v", err)
			return
		}
		util.LogInfo("emptied %s", b.Root())
	})

	runner := newCommandRunner(ctx, cfg.RunCommand, b.Root())
	defer runner.wait()

	runnerRouter := router.New()
	runnerRouter.OnRunCommand(runner.trigger)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range []struct {
		name   string
		port   protocol.Port
		router *router.Router
	}{
		{"main", mainPort, mainRouter},
		{"runner", runnerPort, runnerRouter},
	} {
		ln, err := listen(cfg, ch.port, ch.router.Handler(ch.name))
		if err != nil {
			return err
		}
		defer ln.Close()
		g.Go(func() error { return ln.Serve(gctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr) })
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("receiving into %s on %s (main %d, runner %d)", b.Root(), cfg.Listen, mainPort, runnerPort)
	return g.Wait()
}

// commandRunner runs the configured shell command in the bundle root. At
// most one run is in flight; triggers during a run are dropped.
type commandRunner struct {
	ctx     context.Context
	command string
	dir     string

	running atomic.Bool
	wg      sync.WaitGroup
}

func newCommandRunner(ctx context.Context, command, dir string) *commandRunner {
	return &commandRunner{ctx: ctx, command: command, dir: dir}
}

func (r *commandRunner) trigger() {
	if r.command == "" {
		util.LogInfo("runCommand received; no run_command configured")
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		util.LogWarning("runCommand received while the previous run is still going; skipping")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)

		util.LogInfo("running %q", r.command)
		cmd := exec.CommandContext(r.ctx, "sh", "-c", r.command)
		cmd.Dir = r.dir
		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			util.LogDebug("run output:\n%s", out)
		}
		if err != nil {
			util.LogError("%v", fmt.Errorf("run %q: %w", r.command, err))
			return
		}
		util.LogSuccess("run %q finished", r.command)
	}()
}

// wait blocks until the current run, if any, has finished.
func (r *commandRunner) wait() {
	r.wg.Wait()
}
