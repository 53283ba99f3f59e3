// Package route computes travel routes between two points and owns every
// artifact drawn for the active pair: markers, the path and the in-flight
// engine request. A new pair always tears the previous plan down first.
package route

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/logging"
)

// DefaultReadyFallback is how long a plan waits for the surface before
// drawing anyway.
const DefaultReadyFallback = 1500 * time.Millisecond

// Summary is the travel readout of a route.
type Summary struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Text formats the summary as "12.3 km · 18 min".
func (s Summary) Text() string {
	var distance string
	if s.DistanceMeters < 1000 {
		distance = fmt.Sprintf("%.0f m", s.DistanceMeters)
	} else {
		distance = fmt.Sprintf("%.1f km", s.DistanceMeters/1000)
	}
	minutes := int(math.Round(s.DurationSeconds / 60))
	if minutes >= 60 {
		return fmt.Sprintf("%s · %d h %02d min", distance, minutes/60, minutes%60)
	}
	return fmt.Sprintf("%s · %d min", distance, minutes)
}

// Route is the first alternative returned by an Engine.
type Route struct {
	Summary Summary
	Path    []geo.Point
}

// Result is delivered once per plan. Err matches faults.ErrRoutingFailed.
type Result struct {
	Seq   uint64
	Route Route
	Err   error
}

// Layer is one artifact attached to a Surface.
type Layer interface {
	Remove()
}

// Surface is where routes are drawn. Ready is closed once the surface has
// a usable size; a nil channel means the signal never comes.
type Surface interface {
	Ready() <-chan struct{}
	AddMarker(p geo.Point, label string) Layer
	DrawPath(path []geo.Point) Layer
	FitBounds(b geo.Bounds)
}

// Engine computes a route between two waypoints.
type Engine interface {
	Route(ctx context.Context, origin, destination geo.Point) (Route, error)
}

// Computer keeps at most one live Plan.
type Computer struct {
	surface  Surface
	engine   Engine
	fallback time.Duration
	logger   logrus.FieldLogger

	mu     sync.Mutex
	plan   *Plan
	seq    uint64
	closed bool
}

// Option customizes the computer.
type Option func(*Computer)

// WithReadyFallback overrides how long plans wait for the surface.
func WithReadyFallback(d time.Duration) Option {
	return func(c *Computer) {
		if d > 0 {
			c.fallback = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Computer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewComputer wires a computer to its surface and engine.
func NewComputer(surface Surface, engine Engine, opts ...Option) (*Computer, error) {
	if surface == nil {
		return nil, fmt.Errorf("route: surface is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("route: engine is required")
	}
	c := &Computer{
		surface:  surface,
		engine:   engine,
		fallback: DefaultReadyFallback,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Compute makes (origin, destination) the active pair and returns the plan
// sequence number. The previous plan is fully torn down before the new one
// is created. Asking again for the live pair keeps the current plan and
// returns its number. onResult runs on the plan's goroutine, at most once,
// and never after the plan was torn down.
func (c *Computer) Compute(origin, destination geo.Point, onResult func(Result)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	if c.plan != nil && c.plan.Origin.Equal(origin) && c.plan.Destination.Equal(destination) {
		return c.plan.Seq
	}
	if c.plan != nil {
		c.plan.Close()
		c.plan = nil
	}
	c.seq++
	c.plan = c.newPlan(c.seq, origin, destination, onResult)
	return c.seq
}

// Clear tears down the active plan, if any.
func (c *Computer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan != nil {
		c.plan.Close()
		c.plan = nil
	}
}

// Close tears down the active plan and refuses further work.
func (c *Computer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.plan != nil {
		c.plan.Close()
		c.plan = nil
	}
}

// Active returns the live pair.
func (c *Computer) Active() (origin, destination geo.Point, seq uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return geo.Point{}, geo.Point{}, 0, false
	}
	return c.plan.Origin, c.plan.Destination, c.plan.Seq, true
}

// Plan owns the artifacts of one (origin, destination) pair.
type Plan struct {
	Seq         uint64
	Origin      geo.Point
	Destination geo.Point

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	layers    []Layer
}

func (c *Computer) newPlan(seq uint64, origin, destination geo.Point, onResult func(Result)) *Plan {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Plan{
		Seq:         seq,
		Origin:      origin,
		Destination: destination,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	log := c.logger.WithFields(logrus.Fields{
		"plan":        seq,
		"origin":      origin.String(),
		"destination": destination.String(),
	})
	go p.run(ctx, c.surface, c.engine, c.fallback, onResult, log)
	return p
}

func (p *Plan) run(ctx context.Context, surface Surface, engine Engine, fallback time.Duration, onResult func(Result), log logrus.FieldLogger) {
	defer close(p.done)

	timer := time.NewTimer(fallback)
	defer timer.Stop()
	select {
	case <-surface.Ready():
	case <-timer.C:
		log.Debug("route.surface_not_ready")
	case <-ctx.Done():
		return
	}

	p.layers = append(p.layers,
		surface.AddMarker(p.Origin, "origin"),
		surface.AddMarker(p.Destination, "destination"),
	)
	if bounds, ok := geo.BoundsOf(p.Origin, p.Destination); ok {
		surface.FitBounds(bounds)
	}

	r, err := engine.Route(ctx, p.Origin, p.Destination)
	if ctx.Err() != nil {
		return
	}
	result := Result{Seq: p.Seq}
	if err != nil {
		log.WithError(err).Warn("route.failed")
		result.Err = faults.New(faults.ErrRoutingFailed, "route", err)
	} else {
		if len(r.Path) > 0 {
			p.layers = append(p.layers, surface.DrawPath(r.Path))
		}
		result.Route = r
	}
	if onResult != nil {
		onResult(result)
	}
}

// Close aborts the engine request, joins the worker and removes every
// layer. Only the first call does anything.
func (p *Plan) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		for _, layer := range p.layers {
			if layer != nil {
				layer.Remove()
			}
		}
		p.layers = nil
	})
}
