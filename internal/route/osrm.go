package route

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/httpx"
	"github.com/kingrea/coleta/internal/logging"
)

// OSRM is an Engine backed by the OSRM HTTP route service.
type OSRM struct {
	baseURL string
	profile string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  logrus.FieldLogger
}

// OSRMOption customizes the client.
type OSRMOption func(*OSRM)

// WithProfile selects the routing profile ("driving", "bike", "foot").
func WithProfile(profile string) OSRMOption {
	return func(o *OSRM) {
		if profile = strings.TrimSpace(profile); profile != "" {
			o.profile = profile
		}
	}
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) OSRMOption {
	return func(o *OSRM) {
		if c != nil {
			o.client = c
		}
	}
}

// WithBreaker guards calls with the given circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) OSRMOption {
	return func(o *OSRM) { o.breaker = cb }
}

// WithEngineLogger attaches a logger to the client.
func WithEngineLogger(l logrus.FieldLogger) OSRMOption {
	return func(o *OSRM) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOSRM builds a client for the service rooted at baseURL.
func NewOSRM(baseURL string, opts ...OSRMOption) (*OSRM, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("route: osrm url is required")
	}
	o := &OSRM{
		baseURL: trimmed,
		profile: "driving",
		client:  &http.Client{Timeout: httpx.DefaultTimeout},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route asks for the fastest route and returns the first alternative.
func (o *OSRM) Route(ctx context.Context, origin, destination geo.Point) (Route, error) {
	endpoint := fmt.Sprintf("%s/route/v1/%s/%s;%s?overview=full&geometries=geojson",
		o.baseURL, o.profile, lonLat(origin), lonLat(destination))

	call := func() (any, error) {
		var payload osrmResponse
		err := httpx.DoJSON(ctx, o.client, httpx.Request{URL: endpoint}, &payload, o.logger.WithField("op", "osrm route"))
		if err != nil {
			return nil, err
		}
		if payload.Code != "Ok" {
			return nil, fmt.Errorf("osrm code %q: %s", payload.Code, payload.Message)
		}
		if len(payload.Routes) == 0 {
			return nil, fmt.Errorf("osrm returned no routes")
		}
		return payload, nil
	}
	var (
		raw any
		err error
	)
	if o.breaker != nil {
		raw, err = o.breaker.Execute(call)
	} else {
		raw, err = call()
	}
	if err != nil {
		return Route{}, fmt.Errorf("route: %w", err)
	}
	first := raw.(osrmResponse).Routes[0]
	path := make([]geo.Point, 0, len(first.Geometry.Coordinates))
	for _, pair := range first.Geometry.Coordinates {
		if len(pair) < 2 {
			continue
		}
		path = append(path, geo.Point{Lat: pair[1], Lon: pair[0]})
	}
	return Route{
		Summary: Summary{DistanceMeters: first.Distance, DurationSeconds: first.Duration},
		Path:    path,
	}, nil
}

func lonLat(p geo.Point) string {
	return strconv.FormatFloat(p.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
}
