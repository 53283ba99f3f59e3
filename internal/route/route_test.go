package route

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/geo"
)

type fakeSurface struct {
	mu     sync.Mutex
	ready  chan struct{}
	next   int
	live   map[int]string
	events []string
	fits   int
}

func newFakeSurface(ready bool) *fakeSurface {
	s := &fakeSurface{live: map[int]string{}}
	if ready {
		s.ready = make(chan struct{})
		close(s.ready)
	}
	return s
}

func (s *fakeSurface) Ready() <-chan struct{} { return s.ready }

func (s *fakeSurface) add(kind string) Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.live[id] = kind
	s.events = append(s.events, fmt.Sprintf("add:%d", id))
	return &fakeLayer{surface: s, id: id}
}

func (s *fakeSurface) AddMarker(p geo.Point, label string) Layer { return s.add("marker:" + label) }
func (s *fakeSurface) DrawPath(path []geo.Point) Layer           { return s.add("path") }

func (s *fakeSurface) FitBounds(geo.Bounds) {
	s.mu.Lock()
	s.fits++
	s.mu.Unlock()
}

func (s *fakeSurface) snapshot() (map[int]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[int]string, len(s.live))
	for k, v := range s.live {
		live[k] = v
	}
	return live, append([]string(nil), s.events...)
}

type fakeLayer struct {
	surface *fakeSurface
	id      int
}

func (l *fakeLayer) Remove() {
	l.surface.mu.Lock()
	defer l.surface.mu.Unlock()
	delete(l.surface.live, l.id)
	l.surface.events = append(l.surface.events, fmt.Sprintf("remove:%d", l.id))
}

type fakeEngine struct {
	calls    atomic.Int32
	block    bool
	canceled atomic.Bool
	err      error
}

func (e *fakeEngine) Route(ctx context.Context, origin, destination geo.Point) (Route, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		e.canceled.Store(true)
		return Route{}, ctx.Err()
	}
	if e.err != nil {
		return Route{}, e.err
	}
	return Route{
		Summary: Summary{DistanceMeters: 12300, DurationSeconds: 18 * 60},
		Path:    []geo.Point{origin, destination},
	}, nil
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for route result")
		return Result{}
	}
}

func TestComputeDrawsRouteOnceSurfaceIsReady(t *testing.T) {
	surface := newFakeSurface(true)
	c, err := NewComputer(surface, &fakeEngine{})
	if err != nil {
		t.Fatalf("NewComputer: %v", err)
	}
	defer c.Close()

	results := make(chan Result, 1)
	seq := c.Compute(geo.Point{Lat: 11, Lon: 21}, geo.Point{Lat: 10, Lon: 20}, func(r Result) { results <- r })
	r := waitResult(t, results)
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if r.Seq != seq {
		t.Fatalf("result seq = %d, want %d", r.Seq, seq)
	}
	if got := r.Route.Summary.Text(); got != "12.3 km · 18 min" {
		t.Fatalf("summary text = %q", got)
	}
	live, _ := surface.snapshot()
	if len(live) != 3 {
		t.Fatalf("expected two markers and a path, got %v", live)
	}
	if surface.fits != 1 {
		t.Fatalf("expected one viewport fit, got %d", surface.fits)
	}
}

func TestPairChangeRemovesOldArtifactsBeforeAddingNew(t *testing.T) {
	surface := newFakeSurface(true)
	c, _ := NewComputer(surface, &fakeEngine{})
	defer c.Close()

	results := make(chan Result, 2)
	deliver := func(r Result) { results <- r }
	c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, deliver)
	waitResult(t, results)
	c.Compute(geo.Point{Lat: 2, Lon: 2}, geo.Point{Lat: 3, Lon: 3}, deliver)
	waitResult(t, results)

	live, events := surface.snapshot()
	firstNewAdd := -1
	lastOldRemove := -1
	for i, ev := range events {
		switch ev {
		case "add:3":
			firstNewAdd = i
		case "remove:0", "remove:1", "remove:2":
			lastOldRemove = i
		}
	}
	if firstNewAdd == -1 || lastOldRemove == -1 {
		t.Fatalf("missing events: %v", events)
	}
	if lastOldRemove > firstNewAdd {
		t.Fatalf("old artifacts removed after new ones were added: %v", events)
	}
	for id := range live {
		if id < 3 {
			t.Fatalf("old layer %d still attached: %v", id, live)
		}
	}
	if len(live) != 3 {
		t.Fatalf("expected only the new plan's layers, got %v", live)
	}
}

func TestSamePairKeepsLivePlan(t *testing.T) {
	engine := &fakeEngine{}
	c, _ := NewComputer(newFakeSurface(true), engine)
	defer c.Close()

	results := make(chan Result, 2)
	a := c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(r Result) { results <- r })
	waitResult(t, results)
	b := c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(r Result) { results <- r })
	if a != b {
		t.Fatalf("expected the live plan to be kept, got %d and %d", a, b)
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected one engine call, got %d", engine.calls.Load())
	}
}

func TestFallbackTimerProceedsWithoutReadySignal(t *testing.T) {
	surface := newFakeSurface(false)
	c, _ := NewComputer(surface, &fakeEngine{}, WithReadyFallback(20*time.Millisecond))
	defer c.Close()

	results := make(chan Result, 1)
	c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(r Result) { results <- r })
	if r := waitResult(t, results); r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
}

func TestClearAbortsInFlightRequestWithoutDelivering(t *testing.T) {
	surface := newFakeSurface(true)
	engine := &fakeEngine{block: true}
	c, _ := NewComputer(surface, engine)

	var delivered atomic.Bool
	c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(Result) { delivered.Store(true) })
	deadline := time.Now().Add(time.Second)
	for engine.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("engine never called")
		}
		time.Sleep(time.Millisecond)
	}
	c.Clear()
	c.Clear()

	if !engine.canceled.Load() {
		t.Fatalf("engine request was not aborted")
	}
	if delivered.Load() {
		t.Fatalf("a torn-down plan delivered its result")
	}
	if live, _ := surface.snapshot(); len(live) != 0 {
		t.Fatalf("layers left on the surface: %v", live)
	}
	if _, _, _, ok := c.Active(); ok {
		t.Fatalf("expected no active plan")
	}
}

func TestCloseWhileWaitingForSurface(t *testing.T) {
	surface := newFakeSurface(false)
	engine := &fakeEngine{}
	c, _ := NewComputer(surface, engine, WithReadyFallback(time.Hour))
	c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, nil)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close blocked on a plan waiting for the surface")
	}
	if engine.calls.Load() != 0 {
		t.Fatalf("engine called after teardown")
	}
	if seq := c.Compute(geo.Point{Lat: 3, Lon: 3}, geo.Point{Lat: 4, Lon: 4}, nil); seq != 0 {
		t.Fatalf("closed computer started a plan")
	}
}

func TestPlanCloseIsIdempotent(t *testing.T) {
	surface := newFakeSurface(true)
	c, _ := NewComputer(surface, &fakeEngine{})
	results := make(chan Result, 1)
	plan := c.newPlan(1, geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(r Result) { results <- r })
	waitResult(t, results)

	plan.Close()
	plan.Close()
	_, events := surface.snapshot()
	removes := 0
	for _, ev := range events {
		if strings.HasPrefix(ev, "remove:") {
			removes++
		}
	}
	if removes != 3 {
		t.Fatalf("expected each layer removed once, got %d removals: %v", removes, events)
	}
}

func TestRoutingFailureIsReported(t *testing.T) {
	surface := newFakeSurface(true)
	c, _ := NewComputer(surface, &fakeEngine{err: errors.New("no route")})
	defer c.Close()

	results := make(chan Result, 1)
	c.Compute(geo.Point{Lat: 1, Lon: 1}, geo.Point{Lat: 2, Lon: 2}, func(r Result) { results <- r })
	r := waitResult(t, results)
	if !errors.Is(r.Err, faults.ErrRoutingFailed) {
		t.Fatalf("expected RoutingFailed, got %v", r.Err)
	}
	if live, _ := surface.snapshot(); len(live) != 2 {
		t.Fatalf("markers should stay without a path, got %v", live)
	}
}

func TestSummaryText(t *testing.T) {
	cases := []struct {
		summary Summary
		want    string
	}{
		{Summary{DistanceMeters: 12345, DurationSeconds: 1080}, "12.3 km · 18 min"},
		{Summary{DistanceMeters: 850, DurationSeconds: 150}, "850 m · 3 min"},
		{Summary{DistanceMeters: 90000, DurationSeconds: 3900}, "90.0 km · 1 h 05 min"},
	}
	for _, tc := range cases {
		if got := tc.summary.Text(); got != tc.want {
			t.Fatalf("Text() = %q, want %q", got, tc.want)
		}
	}
}

func TestOSRMRoute(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		if strings.Contains(r.URL.Path, "0.000000,0.000000") {
			_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[
			{"distance":1500.5,"duration":240,"geometry":{"type":"LineString","coordinates":[[20,10],[20.5,10.5],[21,11]]}},
			{"distance":9999,"duration":9999,"geometry":{"coordinates":[]}}]}`))
	}))
	defer srv.Close()

	o, err := NewOSRM(srv.URL, WithProfile("driving"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewOSRM: %v", err)
	}
	r, err := o.Route(context.Background(), geo.Point{Lat: 10, Lon: 20}, geo.Point{Lat: 11, Lon: 21})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if gotPath != "/route/v1/driving/20.000000,10.000000;21.000000,11.000000" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if !strings.Contains(gotQuery, "overview=full") || !strings.Contains(gotQuery, "geometries=geojson") {
		t.Fatalf("unexpected query %s", gotQuery)
	}
	if r.Summary.DistanceMeters != 1500.5 || r.Summary.DurationSeconds != 240 {
		t.Fatalf("unexpected summary %+v", r.Summary)
	}
	if len(r.Path) != 3 || !r.Path[2].Equal(geo.Point{Lat: 11, Lon: 21}) {
		t.Fatalf("unexpected path %v", r.Path)
	}

	if _, err := o.Route(context.Background(), geo.Point{}, geo.Point{Lat: 1, Lon: 1}); err == nil {
		t.Fatalf("expected error for non-Ok code")
	}
}
