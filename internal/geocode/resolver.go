// Package geocode turns producer and cooperative addresses into coordinates.
//
// Resolution order, first success wins: coordinates already on the entity,
// the session cache, a structured geocoder query, a free-text query built
// from whatever address fields are present. Concurrent resolutions for the
// same key share one outbound lookup, and only successes are cached.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/logging"
)

// DefaultTimeout bounds one shared lookup (both query shapes).
const DefaultTimeout = 20 * time.Second

// ErrNoMatch is returned by a Geocoder when the service had no candidate.
var ErrNoMatch = errors.New("geocode: no match")

// StructuredQuery is the field-by-field form of an address search.
type StructuredQuery struct {
	Street     string
	PostalCode string
	City       string
	State      string
	Country    string
}

// Empty reports whether no searchable field is set. Country alone is not
// enough to place a pickup.
func (q StructuredQuery) Empty() bool {
	return q.Street == "" && q.PostalCode == "" && q.City == "" && q.State == ""
}

// Geocoder is an address search service. Only the first candidate counts.
type Geocoder interface {
	SearchStructured(ctx context.Context, q StructuredQuery) (geo.Point, error)
	SearchText(ctx context.Context, text string) (geo.Point, error)
}

// Query asks for the coordinates of one entity.
type Query struct {
	// Key identifies the entity for caching and de-duplication. An empty
	// key disables both.
	Key     string
	Known   *geo.Point
	Address collect.Address
}

// QueryForProducer builds the query for a job's producer.
func QueryForProducer(p collect.Producer) Query {
	return Query{
		Key:     NormalizeKey(append([]string{"producer", idPart(p.ID), p.Name}, addressParts(p.Address)...)...),
		Known:   p.Coordinates,
		Address: p.Address,
	}
}

// QueryForCooperative builds the query for a cooperative.
func QueryForCooperative(c collect.Cooperative) Query {
	return Query{
		Key:     NormalizeKey(append([]string{"cooperative", idPart(c.ID), c.Name}, addressParts(c.Address)...)...),
		Known:   c.Coordinates,
		Address: c.Address,
	}
}

// NormalizeKey lower-cases, trims and collapses whitespace in each part and
// joins them with "|".
func NormalizeKey(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, part := range parts {
		normalized[i] = strings.ToLower(strings.Join(strings.Fields(part), " "))
	}
	return strings.Join(normalized, "|")
}

// Resolver resolves queries against a Geocoder with a session cache.
type Resolver struct {
	geocoder Geocoder
	country  string
	timeout  time.Duration
	logger   logrus.FieldLogger

	mu    sync.RWMutex
	cache map[string]geo.Point
	group singleflight.Group
}

// Option customizes the resolver.
type Option func(*Resolver)

// WithCountry appends a country to every query.
func WithCountry(country string) Option {
	return func(r *Resolver) {
		r.country = strings.TrimSpace(country)
	}
}

// WithTimeout bounds each shared lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver wires a resolver around the given geocoder.
func NewResolver(g Geocoder, opts ...Option) (*Resolver, error) {
	if g == nil {
		return nil, fmt.Errorf("geocode: geocoder is required")
	}
	r := &Resolver{
		geocoder: g,
		timeout:  DefaultTimeout,
		logger:   logging.Discard(),
		cache:    make(map[string]geo.Point),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve returns coordinates for q or an error matching
// faults.ErrCoordinatesMissing. A caller whose ctx ends gets ctx.Err()
// wrapped instead; the shared lookup keeps running for the other callers.
func (r *Resolver) Resolve(ctx context.Context, q Query) (geo.Point, error) {
	if q.Known != nil && q.Known.Valid() {
		return *q.Known, nil
	}
	if q.Key == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		p, err := r.lookup(lookupCtx, q.Address)
		if err != nil && ctx.Err() != nil {
			return geo.Point{}, fmt.Errorf("geocode: %w", ctx.Err())
		}
		return p, err
	}
	if p, ok := r.Cached(q.Key); ok {
		return p, nil
	}

	ch := r.group.DoChan(q.Key, func() (any, error) {
		if p, ok := r.Cached(q.Key); ok {
			return p, nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		p, err := r.lookup(lookupCtx, q.Address)
		if err != nil {
			return geo.Point{}, err
		}
		r.mu.Lock()
		r.cache[q.Key] = p
		r.mu.Unlock()
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return geo.Point{}, res.Err
		}
		return res.Val.(geo.Point), nil
	case <-ctx.Done():
		return geo.Point{}, fmt.Errorf("geocode: %w", ctx.Err())
	}
}

// Cached returns the cached coordinates for key.
func (r *Resolver) Cached(key string) (geo.Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[key]
	return p, ok
}

func (r *Resolver) lookup(ctx context.Context, addr collect.Address) (geo.Point, error) {
	if addr.Empty() {
		return geo.Point{}, faults.New(faults.ErrCoordinatesMissing, "geocode", errors.New("no address fields"))
	}
	log := r.logger.WithField("address", addr.String())

	structured := StructuredQuery{
		Street:     strings.TrimSpace(strings.Join(nonEmpty(addr.Number, addr.Street), " ")),
		PostalCode: addr.PostalCode,
		City:       addr.City,
		State:      addr.State,
		Country:    r.country,
	}
	var lastErr error
	if !structured.Empty() {
		p, err := r.geocoder.SearchStructured(ctx, structured)
		if err == nil && p.Valid() {
			log.WithField("shape", "structured").Debug("geocode.resolved")
			return p, nil
		}
		lastErr = invalidOr(err, p)
		log.WithError(lastErr).Debug("geocode.structured_failed")
	}

	text := strings.Join(nonEmpty(append(addr.Parts(), r.country)...), ", ")
	p, err := r.geocoder.SearchText(ctx, text)
	if err == nil && p.Valid() {
		log.WithField("shape", "text").Debug("geocode.resolved")
		return p, nil
	}
	lastErr = invalidOr(err, p)
	log.WithError(lastErr).Info("geocode.unresolved")
	return geo.Point{}, faults.New(faults.ErrCoordinatesMissing, "geocode", lastErr)
}

func invalidOr(err error, p geo.Point) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("geocode: invalid candidate %s", p)
}

func addressParts(a collect.Address) []string {
	return []string{a.PostalCode, a.Street, a.Number, a.District, a.City, a.State}
}

func idPart(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
