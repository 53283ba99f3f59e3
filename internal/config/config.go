// internal/config/config.go
//
// This package handles configuration and the .coleta directory structure.
// Every working directory that runs coleta gets a .coleta/ folder holding
// the config file, logs and the persisted workflow record.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each working directory.
	Dir = ".coleta"

	DefaultBackendURL          = "http://127.0.0.1:8000"
	DefaultGeocoderURL         = "https://nominatim.openstreetmap.org"
	DefaultGeocoderUserAgent   = "coleta/1.0"
	DefaultGeocoderCountry     = "Brasil"
	DefaultRoutingURL          = "https://router.project-osrm.org"
	DefaultRoutingProfile      = "driving"
	DefaultIPLookupURL         = "http://ip-api.com/json/"
	DefaultRequestTimeout      = 15 * time.Second
	DefaultPollInterval        = 3 * time.Second
	DefaultSurfaceReadyTimeout = 1500 * time.Millisecond
	DefaultBestEffortTimeout   = 10 * time.Second

	LocationStatic = "static"
	LocationIP     = "ip"
)

const defaultProjectConfigYAML = `# coleta configuration
version: 1

# Collection backend. The token is written by "coleta login".
backend:
  url: http://127.0.0.1:8000
  token: ""
  timeout: 15s
  # status_names:
  #   AWAITING: EM ROTA

# Address geocoding (Nominatim compatible).
geocoder:
  url: https://nominatim.openstreetmap.org
  user_agent: coleta/1.0
  country: Brasil
  country_codes: br
  # email: you@example.com

# Route computation (OSRM compatible).
routing:
  url: https://router.project-osrm.org
  profile: driving

# Device position. mode is "static" (fixed coordinates below) or "ip".
location:
  mode: static
  # latitude: -23.5505
  # longitude: -46.6333

workflow:
  poll_interval: 3s
  surface_ready_timeout: 1500ms
  best_effort_timeout: 10s

bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
`

// BackendConfig points at the collection backend.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// StatusNames overrides the backend name of a status, keyed by the
	// canonical or backend name.
	StatusNames map[string]string `yaml:"status_names,omitempty"`
}

// GeocoderConfig configures the address geocoder.
type GeocoderConfig struct {
	URL          string        `yaml:"url"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
	Email        string        `yaml:"email,omitempty"`
	Country      string        `yaml:"country,omitempty"`
	CountryCodes string        `yaml:"country_codes,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// RoutingConfig configures the routing engine.
type RoutingConfig struct {
	URL     string        `yaml:"url"`
	Profile string        `yaml:"profile,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LocationConfig selects the device position provider.
type LocationConfig struct {
	Mode      string   `yaml:"mode"`
	Latitude  *float64 `yaml:"latitude,omitempty"`
	Longitude *float64 `yaml:"longitude,omitempty"`
	LookupURL string   `yaml:"lookup_url,omitempty"`
}

// WorkflowConfig holds engine timings.
type WorkflowConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval,omitempty"`
	SurfaceReadyTimeout time.Duration `yaml:"surface_ready_timeout,omitempty"`
	BestEffortTimeout   time.Duration `yaml:"best_effort_timeout,omitempty"`
}

// BreakerConfig tunes the circuit breakers guarding external services.
// Zero values fall back to the httpx defaults.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	MinRequests  uint32        `yaml:"min_requests,omitempty"`
	FailureRatio float64       `yaml:"failure_ratio,omitempty"`
}

// BridgeConfig configures the local HTTP bridge.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .coleta/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	Backend  BackendConfig  `yaml:"backend"`
	Geocoder GeocoderConfig `yaml:"geocoder"`
	Routing  RoutingConfig  `yaml:"routing"`
	Location LocationConfig `yaml:"location"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Breaker  BreakerConfig  `yaml:"breaker,omitempty"`
	Bridge   BridgeConfig   `yaml:"bridge"`
}

// Config holds the runtime configuration.
type Config struct {
	// ProjectDir is the directory where the user ran coleta from.
	ProjectDir string

	// ColetaDir is ProjectDir/.coleta
	ColetaDir string

	// Project is the effective configuration: the file plus COLETA_*
	// environment overrides.
	Project ProjectConfig

	// stored mirrors the file so Save never persists environment values.
	stored ProjectConfig
}

// InitDir creates the .coleta directory structure in the given directory.
//
// Structure created:
// .coleta/
// ├── config.yaml
// ├── logs/    <- coleta.log and the workflow journal
// └── state/   <- persisted workflow record
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	for _, dir := range []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig loads the configuration for projectDir. A missing config file
// yields defaults.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		ColetaDir:  filepath.Join(projectDir, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.stored = cfg.Project
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.ColetaDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.ColetaDir, "state")
}

// StatePath returns the file holding the persisted workflow record.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir(), "workflow.json")
}

// JournalPath returns the workflow logbook file.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journey.log")
}

// ProjectConfigPath returns the on-disk location for the config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.ColetaDir, "config.yaml")
}

// SetToken stores the backend token and persists it to .coleta/config.yaml.
func (c *Config) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("config: token is required")
	}
	c.stored.Backend.Token = token
	c.Project.Backend.Token = token
	return c.Save()
}

// Save writes the file-backed configuration.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.stored.applyDefaults()
	c.stored.normalize()
	if err := c.stored.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.ColetaDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure coleta dir: %w", err)
	}
	data, err := yaml.Marshal(c.stored)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Backend.URL == "" {
		pc.Backend.URL = DefaultBackendURL
	}
	if pc.Backend.Timeout == 0 {
		pc.Backend.Timeout = DefaultRequestTimeout
	}
	if pc.Geocoder.URL == "" {
		pc.Geocoder.URL = DefaultGeocoderURL
	}
	if pc.Geocoder.UserAgent == "" {
		pc.Geocoder.UserAgent = DefaultGeocoderUserAgent
	}
	if pc.Geocoder.Country == "" {
		pc.Geocoder.Country = DefaultGeocoderCountry
	}
	if pc.Geocoder.Timeout == 0 {
		pc.Geocoder.Timeout = DefaultRequestTimeout
	}
	if pc.Routing.URL == "" {
		pc.Routing.URL = DefaultRoutingURL
	}
	if pc.Routing.Profile == "" {
		pc.Routing.Profile = DefaultRoutingProfile
	}
	if pc.Routing.Timeout == 0 {
		pc.Routing.Timeout = DefaultRequestTimeout
	}
	if pc.Location.Mode == "" {
		pc.Location.Mode = LocationStatic
	}
	if pc.Location.LookupURL == "" {
		pc.Location.LookupURL = DefaultIPLookupURL
	}
	if pc.Workflow.PollInterval == 0 {
		pc.Workflow.PollInterval = DefaultPollInterval
	}
	if pc.Workflow.SurfaceReadyTimeout == 0 {
		pc.Workflow.SurfaceReadyTimeout = DefaultSurfaceReadyTimeout
	}
	if pc.Workflow.BestEffortTimeout == 0 {
		pc.Workflow.BestEffortTimeout = DefaultBestEffortTimeout
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Backend.URL = strings.TrimRight(strings.TrimSpace(pc.Backend.URL), "/")
	pc.Backend.Token = strings.TrimSpace(pc.Backend.Token)
	pc.Geocoder.URL = strings.TrimRight(strings.TrimSpace(pc.Geocoder.URL), "/")
	pc.Geocoder.UserAgent = strings.TrimSpace(pc.Geocoder.UserAgent)
	pc.Geocoder.CountryCodes = strings.ToLower(strings.TrimSpace(pc.Geocoder.CountryCodes))
	pc.Routing.URL = strings.TrimRight(strings.TrimSpace(pc.Routing.URL), "/")
	pc.Routing.Profile = strings.TrimSpace(pc.Routing.Profile)
	pc.Location.Mode = strings.ToLower(strings.TrimSpace(pc.Location.Mode))
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if pc.Geocoder.URL == "" {
		return fmt.Errorf("geocoder.url is required")
	}
	if pc.Routing.URL == "" {
		return fmt.Errorf("routing.url is required")
	}
	switch pc.Location.Mode {
	case LocationStatic, LocationIP:
	default:
		return fmt.Errorf("location.mode must be %q or %q", LocationStatic, LocationIP)
	}
	if (pc.Location.Latitude == nil) != (pc.Location.Longitude == nil) {
		return fmt.Errorf("location.latitude and location.longitude must be set together")
	}
	if pc.Workflow.PollInterval < 0 || pc.Workflow.SurfaceReadyTimeout < 0 || pc.Workflow.BestEffortTimeout < 0 {
		return fmt.Errorf("workflow timings must not be negative")
	}
	if pc.Breaker.FailureRatio < 0 || pc.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be within [0, 1]")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be within 1-65535")
	}
	return nil
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("COLETA_BACKEND_URL")); value != "" {
		pc.Backend.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_TOKEN")); value != "" {
		pc.Backend.Token = value
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_GEOCODER_URL")); value != "" {
		pc.Geocoder.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_ROUTING_URL")); value != "" {
		pc.Routing.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_LOCATION_MODE")); value != "" {
		pc.Location.Mode = value
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_LOCATION")); value != "" {
		if lat, lon, ok := parseLatLon(value); ok {
			pc.Location.Latitude = &lat
			pc.Location.Longitude = &lon
		}
	}
	if value := strings.TrimSpace(os.Getenv("COLETA_POLL_INTERVAL")); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			pc.Workflow.PollInterval = d
		}
	}
}

// parseLatLon reads "lat,lon".
func parseLatLon(value string) (float64, float64, bool) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
