package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/1ureka/tether/internal/protocol"
	"github.com/1ureka/tether/internal/session"
	"github.com/1ureka/tether/internal/snapshot"
)

// sent is one frame seen by recordingSender, with the payload decoded to
// the relative path it carries.
type sent struct {
	typ  protocol.Type
	path string
	body string
}

type recordingSender struct {
	mu     sync.Mutex
	frames []sent
	// fail makes every send after the first n return ErrNotConnected.
	fail int
	// disconnected makes every send return ErrNotConnected.
	disconnected bool
	// tooLarge lists paths whose frames fail with ErrFrameTooLarge.
	tooLarge map[string]bool
}

func (r *recordingSender) Send(_ context.Context, typ protocol.Type, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disconnected || (r.fail > 0 && len(r.frames) >= r.fail) {
		return session.ErrNotConnected
	}

	s := sent{typ: typ}
	switch typ {
	case protocol.TypeFileWrite:
		req, err := protocol.DecodeFileWrite(payload)
		if err != nil {
			return err
		}
		if r.tooLarge[req.Path] {
			return protocol.ErrFrameTooLarge
		}
		s.path, s.body = req.Path, string(req.Content)
	case protocol.TypeFileDelete:
		path, err := protocol.DecodeFileDelete(payload)
		if err != nil {
			return err
		}
		s.path = path
	}
	r.frames = append(r.frames, s)
	return nil
}

func (r *recordingSender) got() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.frames...)
}

func newTestPusher(t *testing.T) (*pusher, *recordingSender, *recordingSender) {
	t.Helper()
	main, runner := &recordingSender{}, &recordingSender{}
	p := &pusher{
		root:        t.TempDir(),
		main:        main,
		runner:      runner,
		runOnChange: true,
	}
	return p, main, runner
}

func (p *pusher) abs(rel string) string { return filepath.Join(p.root, filepath.FromSlash(rel)) }

func changeSet(p *pusher, changed, removed []string) snapshot.ChangeSet {
	cs := snapshot.ChangeSet{Changed: make(snapshot.PathSet), Removed: make(snapshot.PathSet)}
	for _, rel := range changed {
		cs.Changed.Add(p.abs(rel))
	}
	for _, rel := range removed {
		cs.Removed.Add(p.abs(rel))
	}
	return cs
}

func assertFrames(t *testing.T, got, want []sent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames %+v, want %d %+v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHandleChangesMapsFrames(t *testing.T) {
	p, main, runner := newTestPusher(t)

	if err := os.MkdirAll(p.abs("Sources"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.abs("Sources/main.swift"), []byte("print(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	p.handleChanges(context.Background(), changeSet(p,
		[]string{"Sources/main.swift", "Sources"},
		[]string{"old.swift"},
	))

	assertFrames(t, main.got(), []sent{
		{typ: protocol.TypeFileDelete, path: "old.swift"},
		{typ: protocol.TypeFileWrite, path: "Sources/"},
		{typ: protocol.TypeFileWrite, path: "Sources/main.swift", body: "print(1)"},
	})
	assertFrames(t, runner.got(), []sent{{typ: protocol.TypeRunCommand}})
}

func TestWorkspaceChangesDoNotRun(t *testing.T) {
	p, main, runner := newTestPusher(t)

	ws := "App.xcworkspace/xcuserdata/state.plist"
	if err := os.MkdirAll(filepath.Dir(p.abs(ws)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.abs(ws), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p.handleChanges(context.Background(), changeSet(p, []string{ws}, nil))

	if n := len(runner.got()); n != 0 {
		t.Errorf("runner got %d frames for a workspace-only change, want 0", n)
	}
	if n := len(main.got()); n != 1 {
		t.Errorf("main got %d frames, want 1", n)
	}
}

func TestRunOnChangeDisabled(t *testing.T) {
	p, _, runner := newTestPusher(t)
	p.runOnChange = false

	if err := os.WriteFile(p.abs("a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.handleChanges(context.Background(), changeSet(p, []string{"a.txt"}, nil))

	if n := len(runner.got()); n != 0 {
		t.Errorf("runner got %d frames, want 0", n)
	}
}

func TestHandleChangesSkipsVanishedFiles(t *testing.T) {
	p, main, _ := newTestPusher(t)
	if err := os.WriteFile(p.abs("here.txt"), []byte("h"), 0o644); err != nil {
		t.Fatal(err)
	}

	p.handleChanges(context.Background(), changeSet(p, []string{"gone.txt", "here.txt"}, nil))

	assertFrames(t, main.got(), []sent{{typ: protocol.TypeFileWrite, path: "here.txt", body: "h"}})
}

func TestHandleChangesStopsWhenDisconnected(t *testing.T) {
	p, main, _ := newTestPusher(t)
	main.fail = 1
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(p.abs(name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p.handleChanges(context.Background(), changeSet(p, []string{"a", "b", "c"}, nil))

	if n := len(main.got()); n != 1 {
		t.Errorf("main got %d frames, want 1 before the disconnect", n)
	}
}

func TestPushAll(t *testing.T) {
	p, main, runner := newTestPusher(t)
	if err := os.MkdirAll(p.abs("dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.abs("dir/f.txt"), []byte("f"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.paths = func() []string {
		snap, err := snapshot.Take(p.root)
		if err != nil {
			t.Fatal(err)
		}
		return snap.Paths()
	}

	p.pushAll(context.Background())

	assertFrames(t, main.got(), []sent{
		{typ: protocol.TypeEmptyBundle},
		{typ: protocol.TypeFileWrite, path: "dir/"},
		{typ: protocol.TypeFileWrite, path: "dir/f.txt", body: "f"},
	})
	assertFrames(t, runner.got(), []sent{{typ: protocol.TypeRunCommand}})
}

func TestInWorkspace(t *testing.T) {
	testCases := []struct {
		rel  string
		want bool
	}{
		{"App.xcworkspace", true},
		{"App.XCWorkspace/contents.xcworkspacedata", true},
		{"Sources/main.swift", false},
		{"notes.xcworkspace.txt", false},
	}
	for _, tc := range testCases {
		if got := inWorkspace(tc.rel); got != tc.want {
			t.Errorf("inWorkspace(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestHandleChangesSkipsOversizedFrame(t *testing.T) {
	p, main, _ := newTestPusher(t)
	main.tooLarge = map[string]bool{"b": true}
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(p.abs(name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p.handleChanges(context.Background(), changeSet(p, []string{"a", "b", "c"}, nil))

	assertFrames(t, main.got(), []sent{
		{typ: protocol.TypeFileWrite, path: "a", body: "a"},
		{typ: protocol.TypeFileWrite, path: "c", body: "c"},
	})
}

func TestFitsFrame(t *testing.T) {
	limit := int64(protocol.MaxPayloadSize - protocol.PathLengthSize - len("a.bin"))
	if !fitsFrame("a.bin", limit) {
		t.Errorf("fitsFrame rejected %d bytes, the largest size that fits", limit)
	}
	if fitsFrame("a.bin", limit+1) {
		t.Errorf("fitsFrame accepted %d bytes", limit+1)
	}
}

func TestServeRunRequests(t *testing.T) {
	p, main, runner := newTestPusher(t)

	requests := make(chan struct{}, 2)
	requests <- struct{}{}
	requests <- struct{}{}
	close(requests)

	p.serveRunRequests(context.Background(), requests)

	assertFrames(t, runner.got(), []sent{{typ: protocol.TypeRunCommand}, {typ: protocol.TypeRunCommand}})
	if n := len(main.got()); n != 0 {
		t.Errorf("main got %d frames, want 0", n)
	}
}

func TestRunNowWhenDisconnected(t *testing.T) {
	p, _, runner := newTestPusher(t)
	runner.disconnected = true

	p.runNow(context.Background())

	if n := len(runner.got()); n != 0 {
		t.Errorf("runner recorded %d frames, want 0", n)
	}
}
