package tui

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/route"
)

// MapSurface is the terminal rendering surface for routes. Route plans draw
// on it from their own goroutines; the App renders it on every View.
type MapSurface struct {
	mu        sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	nextID    int
	markers   map[int]mapMarker
	paths     map[int][]geo.Point
	bounds    *geo.Bounds
}

type mapMarker struct {
	point geo.Point
	label string
}

type surfaceLayer struct {
	surface *MapSurface
	id      int
	once    sync.Once
}

func (l *surfaceLayer) Remove() {
	l.once.Do(func() { l.surface.remove(l.id) })
}

// NewMapSurface returns a surface that is not ready until Resize sees a
// usable size.
func NewMapSurface() *MapSurface {
	return &MapSurface{
		ready:   make(chan struct{}),
		markers: map[int]mapMarker{},
		paths:   map[int][]geo.Point{},
	}
}

// NewHeadlessSurface returns a surface that is ready immediately. It is
// used when no terminal is attached.
func NewHeadlessSurface() *MapSurface {
	s := NewMapSurface()
	s.MarkReady()
	return s
}

// Ready implements route.Surface.
func (s *MapSurface) Ready() <-chan struct{} {
	return s.ready
}

// MarkReady closes the ready channel. Later calls do nothing.
func (s *MapSurface) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Resize records a terminal size. The first non-zero size marks the surface
// ready.
func (s *MapSurface) Resize(width, height int) {
	if width > 0 && height > 0 {
		s.MarkReady()
	}
}

// AddMarker implements route.Surface.
func (s *MapSurface) AddMarker(p geo.Point, label string) route.Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.markers[s.nextID] = mapMarker{point: p, label: label}
	return &surfaceLayer{surface: s, id: s.nextID}
}

// DrawPath implements route.Surface.
func (s *MapSurface) DrawPath(path []geo.Point) route.Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.paths[s.nextID] = append([]geo.Point(nil), path...)
	return &surfaceLayer{surface: s, id: s.nextID}
}

// FitBounds implements route.Surface.
func (s *MapSurface) FitBounds(b geo.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = &b
}

func (s *MapSurface) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, id)
	delete(s.paths, id)
	if len(s.markers) == 0 && len(s.paths) == 0 {
		s.bounds = nil
	}
}

// Layers reports how many markers and paths are on the surface.
func (s *MapSurface) Layers() (markers, paths int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers), len(s.paths)
}

// Render draws the surface as a width x height character grid. Markers are
// drawn over the path.
func (s *MapSurface) Render(width, height int) string {
	if width < 4 || height < 2 {
		return ""
	}
	s.mu.Lock()
	markers := make([]mapMarker, 0, len(s.markers))
	ids := make([]int, 0, len(s.markers))
	for id := range s.markers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		markers = append(markers, s.markers[id])
	}
	var points []geo.Point
	for _, path := range s.paths {
		points = append(points, path...)
	}
	var bounds geo.Bounds
	ok := false
	if s.bounds != nil {
		bounds, ok = *s.bounds, true
	}
	s.mu.Unlock()

	if !ok {
		all := append([]geo.Point(nil), points...)
		for _, m := range markers {
			all = append(all, m.point)
		}
		bounds, ok = geo.BoundsOf(all...)
	}
	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}
	if ok {
		// The path may leave the fitted box; widen it so nothing is clipped.
		if extended, has := geo.BoundsOf(append(points, bounds.SouthWest, bounds.NorthEast)...); has {
			bounds = extended
		}
		for _, p := range points {
			x, y := project(p, bounds, width, height)
			grid[y][x] = '·'
		}
		for _, m := range markers {
			x, y := project(m.point, bounds, width, height)
			grid[y][x] = markerRune(m.label)
		}
	}
	lines := make([]string, height)
	for i, row := range grid {
		lines[i] = string(row)
	}
	return strings.Join(lines, "\n")
}

func project(p geo.Point, b geo.Bounds, width, height int) (int, int) {
	spanLon := b.NorthEast.Lon - b.SouthWest.Lon
	spanLat := b.NorthEast.Lat - b.SouthWest.Lat
	x, y := width/2, height/2
	if spanLon > 0 {
		x = int(math.Round((p.Lon - b.SouthWest.Lon) / spanLon * float64(width-1)))
	}
	if spanLat > 0 {
		y = int(math.Round((b.NorthEast.Lat - p.Lat) / spanLat * float64(height-1)))
	}
	return clamp(x, 0, width-1), clamp(y, 0, height-1)
}

func markerRune(label string) rune {
	switch label {
	case "origin":
		return '◉'
	case "destination":
		return '⚑'
	}
	for _, r := range strings.ToUpper(label) {
		return r
	}
	return '●'
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
