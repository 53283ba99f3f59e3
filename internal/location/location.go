// Package location provides one-shot device position providers.
package location

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/coleta/internal/config"
	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/httpx"
	"github.com/kingrea/coleta/internal/logging"
)

// Locator answers a single position request.
type Locator interface {
	Locate(ctx context.Context) (geo.Point, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (geo.Point, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context) (geo.Point, error) {
	return f(ctx)
}

// Static reports a fixed position. A nil position behaves like a denied
// permission prompt.
type Static struct {
	Position *geo.Point
}

// Locate returns the configured position.
func (s Static) Locate(ctx context.Context) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "locate", err)
	}
	if s.Position == nil {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "locate", errors.New("no position configured"))
	}
	if !s.Position.Valid() {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "locate", fmt.Errorf("invalid position %s", s.Position))
	}
	return *s.Position, nil
}

// IPLookup approximates the position from the public address of the host.
// The endpoint must answer with a JSON object carrying lat and lon.
type IPLookup struct {
	URL    string
	Client *http.Client
	Logger logrus.FieldLogger
}

type ipLookupResponse struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Locate queries the lookup endpoint.
func (l IPLookup) Locate(ctx context.Context) (geo.Point, error) {
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var payload ipLookupResponse
	if err := httpx.DoJSON(ctx, l.Client, httpx.Request{URL: l.URL}, &payload, logger.WithField("op", "ip lookup")); err != nil {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "ip lookup", err)
	}
	if status := strings.ToLower(payload.Status); status != "" && status != "success" {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "ip lookup", fmt.Errorf("lookup status %q: %s", payload.Status, payload.Message))
	}
	lat, lon := payload.Lat, payload.Lon
	if lat == nil || lon == nil {
		lat, lon = payload.Latitude, payload.Longitude
	}
	if lat == nil || lon == nil {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "ip lookup", errors.New("response carried no coordinates"))
	}
	p := geo.Point{Lat: *lat, Lon: *lon}
	if !p.Valid() {
		return geo.Point{}, faults.New(faults.ErrLocationUnavailable, "ip lookup", fmt.Errorf("invalid position %s", p))
	}
	return p, nil
}

// FromConfig picks the provider named by cfg.Mode.
func FromConfig(cfg config.LocationConfig, client *http.Client, logger logrus.FieldLogger) (Locator, error) {
	switch cfg.Mode {
	case config.LocationIP:
		if strings.TrimSpace(cfg.LookupURL) == "" {
			return nil, fmt.Errorf("location: lookup url is required for ip mode")
		}
		return IPLookup{URL: cfg.LookupURL, Client: client, Logger: logger}, nil
	case config.LocationStatic, "":
		var position *geo.Point
		if cfg.Latitude != nil && cfg.Longitude != nil {
			position = geo.Point{Lat: *cfg.Latitude, Lon: *cfg.Longitude}.Ptr()
		}
		return Static{Position: position}, nil
	default:
		return nil, fmt.Errorf("location: unknown mode %q", cfg.Mode)
	}
}
