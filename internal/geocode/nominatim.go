package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/httpx"
	"github.com/kingrea/coleta/internal/logging"
)

// Nominatim is a Geocoder backed by the Nominatim search API.
type Nominatim struct {
	baseURL      string
	userAgent    string
	email        string
	countryCodes string
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       logrus.FieldLogger
}

// NominatimOption customizes the client.
type NominatimOption func(*Nominatim)

// WithUserAgent sets the User-Agent the usage policy asks for.
func WithUserAgent(ua string) NominatimOption {
	return func(n *Nominatim) { n.userAgent = strings.TrimSpace(ua) }
}

// WithEmail identifies heavy users to the service operator.
func WithEmail(email string) NominatimOption {
	return func(n *Nominatim) { n.email = strings.TrimSpace(email) }
}

// WithCountryCodes limits candidates to the given ISO codes ("br", "br,pt").
func WithCountryCodes(codes string) NominatimOption {
	return func(n *Nominatim) { n.countryCodes = strings.TrimSpace(codes) }
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) NominatimOption {
	return func(n *Nominatim) {
		if c != nil {
			n.client = c
		}
	}
}

// WithBreaker guards calls with the given circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) NominatimOption {
	return func(n *Nominatim) { n.breaker = cb }
}

// WithClientLogger attaches a logger to the client.
func WithClientLogger(l logrus.FieldLogger) NominatimOption {
	return func(n *Nominatim) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNominatim builds a client for the service rooted at baseURL.
func NewNominatim(baseURL string, opts ...NominatimOption) (*Nominatim, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("geocode: nominatim url is required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("geocode: parse nominatim url: %w", err)
	}
	n := &Nominatim{
		baseURL:   trimmed,
		userAgent: "coleta",
		client:    &http.Client{Timeout: httpx.DefaultTimeout},
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

// SearchStructured runs a field-by-field search.
func (n *Nominatim) SearchStructured(ctx context.Context, q StructuredQuery) (geo.Point, error) {
	params := url.Values{}
	setIf(params, "street", q.Street)
	setIf(params, "postalcode", q.PostalCode)
	setIf(params, "city", q.City)
	setIf(params, "state", q.State)
	setIf(params, "country", q.Country)
	return n.search(ctx, params)
}

// SearchText runs a free-form search.
func (n *Nominatim) SearchText(ctx context.Context, text string) (geo.Point, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return geo.Point{}, ErrNoMatch
	}
	params := url.Values{}
	params.Set("q", text)
	return n.search(ctx, params)
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (n *Nominatim) search(ctx context.Context, params url.Values) (geo.Point, error) {
	params.Set("format", "jsonv2")
	params.Set("limit", "1")
	setIf(params, "countrycodes", n.countryCodes)
	setIf(params, "email", n.email)
	endpoint := n.baseURL + "/search?" + params.Encode()

	call := func() (any, error) {
		var places []nominatimPlace
		err := httpx.DoJSON(ctx, n.client, httpx.Request{
			URL:     endpoint,
			Headers: map[string]string{"User-Agent": n.userAgent},
		}, &places, n.logger.WithField("op", "nominatim search"))
		return places, err
	}
	var (
		raw any
		err error
	)
	if n.breaker != nil {
		raw, err = n.breaker.Execute(call)
	} else {
		raw, err = call()
	}
	if err != nil {
		return geo.Point{}, fmt.Errorf("geocode: nominatim search: %w", err)
	}
	places, _ := raw.([]nominatimPlace)
	if len(places) == 0 {
		return geo.Point{}, ErrNoMatch
	}
	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(places[0].Lon, 64)
	if errLat != nil || errLon != nil {
		return geo.Point{}, fmt.Errorf("geocode: nominatim returned unparsable coordinates %q,%q", places[0].Lat, places[0].Lon)
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

func setIf(values url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		values.Set(key, value)
	}
}
