package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/logbook"
	"github.com/kingrea/coleta/internal/route"
	"github.com/kingrea/coleta/internal/workflow"
	"github.com/kingrea/coleta/internal/workflow/engine"
)

type fakeEngine struct {
	mu       sync.Mutex
	snap     engine.Snapshot
	ch       chan engine.Snapshot
	calls    []string
	accepted collect.Job
	selected collect.Cooperative
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		ch: make(chan engine.Snapshot, 4),
		snap: engine.Snapshot{
			Stage: workflow.StageList,
			Jobs: []collect.Job{
				{ID: 1, Producer: collect.Producer{Name: "Ana"}},
				{ID: 2, Producer: collect.Producer{Name: "Bia"}},
			},
			Cooperatives: []collect.Cooperative{{ID: 9, Name: "Coop Norte"}},
		},
	}
}

func (f *fakeEngine) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeEngine) setStage(s workflow.Stage) engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Stage = s
	return f.snap
}

func (f *fakeEngine) Snapshot() engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) Subscribe() engine.Subscription {
	return engine.Subscription{Snapshots: f.ch}
}

func (f *fakeEngine) ReloadJobs(ctx context.Context) error { return f.record("reload-jobs") }
func (f *fakeEngine) ReloadCooperatives(ctx context.Context) error {
	return f.record("reload-coops")
}
func (f *fakeEngine) ConfirmPickup(ctx context.Context) error { return f.record("confirm") }
func (f *fakeEngine) CompleteDelivery(ctx context.Context) error { return f.record("complete") }
func (f *fakeEngine) Cancel(ctx context.Context) error { return f.record("cancel") }
func (f *fakeEngine) Reset(ctx context.Context) error { return f.record("reset") }

func (f *fakeEngine) AcceptJob(ctx context.Context, job collect.Job) error {
	f.mu.Lock()
	f.accepted = job
	f.mu.Unlock()
	return f.record("accept")
}

func (f *fakeEngine) SelectCooperative(ctx context.Context, coop collect.Cooperative) error {
	f.mu.Lock()
	f.selected = coop
	f.mu.Unlock()
	return f.record("select")
}

func newTestApp(t *testing.T, eng *fakeEngine) *App {
	t.Helper()
	app, err := NewApp(eng, NewMapSurface())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	model, _ := app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return model.(*App)
}

func keyMsg(key string) tea.KeyMsg {
	if key == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

// press sends key and runs the resulting command, feeding its message back.
func press(t *testing.T, app *App, key string) *App {
	t.Helper()
	model, cmd := app.Update(keyMsg(key))
	app = model.(*App)
	if cmd == nil {
		return app
	}
	model, _ = app.Update(cmd())
	return model.(*App)
}

func TestEnterAcceptsSelectedJob(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	app = press(t, app, "enter")
	if eng.accepted.ID != 1 {
		t.Fatalf("expected first job accepted, got %+v", eng.accepted)
	}
	if app.busy != "" {
		t.Fatalf("busy flag not cleared: %q", app.busy)
	}
}

func TestKeysIgnoredWhileActionRuns(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	model, first := app.Update(keyMsg("enter"))
	app = model.(*App)
	if first == nil {
		t.Fatalf("expected accept command")
	}
	if _, second := app.Update(keyMsg("enter")); second != nil {
		t.Fatalf("second enter should be ignored while busy")
	}
	first()
	if len(eng.calls) != 1 {
		t.Fatalf("calls = %v", eng.calls)
	}
}

func TestStageDrivesKeyBindings(t *testing.T) {
	cases := []struct {
		stage workflow.Stage
		key   string
		call  string
	}{
		{workflow.StageRouteToProducer, "enter", "confirm"},
		{workflow.StageSelectCooperative, "enter", "select"},
		{workflow.StageRouteToCooperative, "enter", "complete"},
		{workflow.StageSuccess, "enter", "reset"},
		{workflow.StageAwaitingConfirmation, "x", "cancel"},
		{workflow.StageRouteToProducer, "x", "cancel"},
	}
	for _, tc := range cases {
		eng := newFakeEngine()
		app := newTestApp(t, eng)
		model, _ := app.Update(snapshotMsg{snap: eng.setStage(tc.stage), ok: true})
		app = press(t, model.(*App), tc.key)
		if len(eng.calls) != 1 || eng.calls[0] != tc.call {
			t.Fatalf("%s + %s: calls = %v, want [%s]", tc.stage, tc.key, eng.calls, tc.call)
		}
	}
}

func TestSelectUsesCooperativeList(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	model, _ := app.Update(snapshotMsg{snap: eng.setStage(workflow.StageSelectCooperative), ok: true})
	press(t, model.(*App), "enter")
	if eng.selected.ID != 9 {
		t.Fatalf("selected = %+v", eng.selected)
	}
}

func TestCancelIgnoredOutsideCancellableStages(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	press(t, app, "x")
	if len(eng.calls) != 0 {
		t.Fatalf("cancel from list should not reach the engine: %v", eng.calls)
	}
}

func TestReloadAndFailureStatus(t *testing.T) {
	eng := newFakeEngine()
	eng.err = errors.New("backend down")
	app := newTestApp(t, eng)
	app = press(t, app, "r")
	if len(eng.calls) != 1 || eng.calls[0] != "reload-jobs" {
		t.Fatalf("calls = %v", eng.calls)
	}
	if !strings.Contains(app.statusMsg, "reload failed: backend down") {
		t.Fatalf("status = %q", app.statusMsg)
	}
}

func TestClosedSubscriptionQuits(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	cmd := app.Init()
	close(eng.ch)
	msg := cmd()
	_, next := app.Update(msg)
	if next == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := next().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestSnapshotUpdatesPickers(t *testing.T) {
	eng := newFakeEngine()
	app := newTestApp(t, eng)
	cmd := app.Init()
	snap := eng.Snapshot()
	snap.Jobs = snap.Jobs[1:]
	eng.ch <- snap
	model, next := app.Update(cmd())
	app = model.(*App)
	if next == nil {
		t.Fatalf("expected to keep listening for snapshots")
	}
	if got := len(app.jobList.Items()); got != 1 {
		t.Fatalf("job list has %d items", got)
	}
	if !strings.Contains(app.View(), "#2 Bia") {
		t.Fatalf("view missing remaining job:\n%s", app.View())
	}
}

func TestViewShowsStageRouteAndLog(t *testing.T) {
	eng := newFakeEngine()
	lb, err := logbook.New(filepath.Join(t.TempDir(), "journey.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	lb.Info("Accepted job #1")
	app, err := NewApp(eng, NewMapSurface(), WithLogbook(lb))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	model, _ := app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	app = model.(*App)
	snap := eng.setStage(workflow.StageRouteToProducer)
	snap.Job = &snap.Jobs[0]
	snap.RouteText = "12.3 km · 18 min"
	model, _ = app.Update(snapshotMsg{snap: snap, ok: true})
	view := model.(*App).View()
	for _, want := range []string{"Heading to producer", "12.3 km · 18 min", "Accepted job #1", "confirm pickup"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestNewAppRequiresCollaborators(t *testing.T) {
	if _, err := NewApp(nil, NewMapSurface()); err == nil {
		t.Fatalf("expected error without engine")
	}
	if _, err := NewApp(newFakeEngine(), nil); err == nil {
		t.Fatalf("expected error without surface")
	}
}

type stubRouteEngine struct {
	calls chan struct{}
}

func (e stubRouteEngine) Route(ctx context.Context, origin, destination geo.Point) (route.Route, error) {
	e.calls <- struct{}{}
	return route.Route{Path: []geo.Point{origin, {Lat: 7, Lon: 8}, destination}}, nil
}

func TestSurfaceGatesRoutingUntilSized(t *testing.T) {
	surface := NewMapSurface()
	calls := make(chan struct{}, 1)
	computer, err := route.NewComputer(surface, stubRouteEngine{calls: calls}, route.WithReadyFallback(time.Hour))
	if err != nil {
		t.Fatalf("NewComputer: %v", err)
	}
	defer computer.Close()
	done := make(chan route.Result, 1)
	computer.Compute(geo.Point{Lat: 10, Lon: 20}, geo.Point{Lat: 5, Lon: 6}, func(r route.Result) { done <- r })

	select {
	case <-calls:
		t.Fatalf("route requested before the surface was sized")
	case <-time.After(30 * time.Millisecond):
	}
	surface.Resize(0, 0)
	select {
	case <-surface.Ready():
		t.Fatalf("zero size must not mark the surface ready")
	default:
	}
	surface.Resize(100, 30)
	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("route failed: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("route not computed after resize")
	}
	if markers, paths := surface.Layers(); markers != 2 || paths != 1 {
		t.Fatalf("layers = %d markers, %d paths", markers, paths)
	}
	computer.Clear()
	if markers, paths := surface.Layers(); markers != 0 || paths != 0 {
		t.Fatalf("clear left %d markers, %d paths", markers, paths)
	}
}

func TestSurfaceRender(t *testing.T) {
	surface := NewHeadlessSurface()
	origin := surface.AddMarker(geo.Point{Lat: 0, Lon: 0}, "origin")
	surface.AddMarker(geo.Point{Lat: 10, Lon: 10}, "destination")
	surface.DrawPath([]geo.Point{{Lat: 0, Lon: 0}, {Lat: 5, Lon: 5}, {Lat: 10, Lon: 10}})
	out := surface.Render(11, 11)
	lines := strings.Split(out, "\n")
	if len(lines) != 11 {
		t.Fatalf("expected 11 rows, got %d", len(lines))
	}
	if []rune(lines[10])[0] != '◉' {
		t.Fatalf("origin should be bottom left:\n%s", out)
	}
	if []rune(lines[0])[10] != '⚑' {
		t.Fatalf("destination should be top right:\n%s", out)
	}
	if []rune(lines[5])[5] != '·' {
		t.Fatalf("path midpoint missing:\n%s", out)
	}
	origin.Remove()
	origin.Remove()
	if markers, _ := surface.Layers(); markers != 1 {
		t.Fatalf("markers after remove = %d", markers)
	}
}
