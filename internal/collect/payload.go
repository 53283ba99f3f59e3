package collect

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kingrea/coleta/internal/geo"
)

// fields is a decoded JSON object whose values are looked up through
// ordered lists of alternate keys. The first key present with a usable
// value wins.
type fields map[string]json.RawMessage

func decodeFields(data []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func (f fields) raw(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		value, ok := f[key]
		if !ok || isNull(value) {
			continue
		}
		return value, true
	}
	return nil, false
}

func (f fields) str(keys ...string) string {
	for _, key := range keys {
		value, ok := f.raw(key)
		if !ok {
			continue
		}
		if s, ok := asString(value); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (f fields) num(keys ...string) (float64, bool) {
	for _, key := range keys {
		value, ok := f.raw(key)
		if !ok {
			continue
		}
		if n, ok := asNumber(value); ok {
			return n, true
		}
	}
	return 0, false
}

func (f fields) id(keys ...string) (int64, bool) {
	for _, key := range keys {
		value, ok := f.raw(key)
		if !ok {
			continue
		}
		if n, ok := asID(value); ok {
			return n, true
		}
		if obj, err := decodeFields(value); err == nil {
			if n, ok := obj.id("id", "pk"); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (f fields) object(keys ...string) (fields, bool) {
	for _, key := range keys {
		value, ok := f.raw(key)
		if !ok {
			continue
		}
		if obj, err := decodeFields(value); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func (f fields) array(keys ...string) ([]json.RawMessage, bool) {
	for _, key := range keys {
		value, ok := f.raw(key)
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err == nil {
			return items, true
		}
	}
	return nil, false
}

// point extracts coordinates in priority order: GeoJSON or EWKT `geom`, a
// nested `coordinates` object, then latitude/longitude, lat/lng and lat/lon
// pairs. A pair missing either half is treated as absent.
func (f fields) point() *geo.Point {
	if value, ok := f.raw("geom", "geometry", "location"); ok {
		if p, ok := parseGeometry(value); ok {
			return &p
		}
	}
	if obj, ok := f.object("coordinates", "coords"); ok {
		if p := obj.point(); p != nil {
			return p
		}
	}
	pairs := [][2]string{
		{"latitude", "longitude"},
		{"lat", "lng"},
		{"lat", "lon"},
	}
	for _, pair := range pairs {
		lat, okLat := f.num(pair[0])
		lon, okLon := f.num(pair[1])
		if okLat && okLon {
			return &geo.Point{Lat: lat, Lon: lon}
		}
	}
	return nil
}

func parseGeometry(value json.RawMessage) (geo.Point, bool) {
	if s, ok := asString(value); ok {
		return parseEWKT(s)
	}
	var shape struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(value, &shape); err != nil {
		return geo.Point{}, false
	}
	if len(shape.Coordinates) < 2 {
		return geo.Point{}, false
	}
	if shape.Type != "" && !strings.EqualFold(shape.Type, "Point") {
		return geo.Point{}, false
	}
	return geo.Point{Lat: shape.Coordinates[1], Lon: shape.Coordinates[0]}, true
}

// parseEWKT understands "SRID=4326;POINT (lon lat)" and "POINT(lon lat)".
func parseEWKT(value string) (geo.Point, bool) {
	s := strings.TrimSpace(value)
	if idx := strings.Index(s, ";"); idx >= 0 {
		s = s[idx+1:]
	}
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "POINT") {
		return geo.Point{}, false
	}
	open := strings.Index(s, "(")
	closing := strings.LastIndex(s, ")")
	if open < 0 || closing <= open {
		return geo.Point{}, false
	}
	parts := strings.Fields(s[open+1 : closing])
	if len(parts) < 2 {
		return geo.Point{}, false
	}
	lon, errLon := strconv.ParseFloat(parts[0], 64)
	lat, errLat := strconv.ParseFloat(parts[1], 64)
	if errLon != nil || errLat != nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lon: lon}, true
}

func isNull(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func asString(value json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", false
	}
	return s, true
}

// asNumber accepts JSON numbers and numeric strings, including decimal
// commas.
func asNumber(value json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(value, &n); err == nil {
		return n, true
	}
	s, ok := asString(value)
	if !ok {
		return 0, false
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func asID(value json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(value, &n); err == nil {
		return n, true
	}
	s, ok := asString(value)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
