package bridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/coleta/internal/config"
)

// Bridge defaults. The bridge lets a local companion (a phone shortcut, a
// script, a second terminal) drive the collector's workflow, so it binds to
// loopback unless told otherwise.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765

	// DefaultMaxBodyBytes bounds an action request. Actions carry ids only.
	DefaultMaxBodyBytes int64 = 64 << 10

	DefaultReadTimeout  = 15 * time.Second
	// DefaultWriteTimeout covers an action that waits on the backend and
	// the geocoder in turn.
	DefaultWriteTimeout = 45 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Settings is the listen address and HTTP limits of the workflow bridge.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig reads the bridge block of the project config, then lets
// COLETA_BRIDGE_ENABLED, COLETA_BRIDGE_HOST and COLETA_BRIDGE_PORT override
// it. Without either source the bridge stays off.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Host: DefaultHost, Port: DefaultPort}
	if cfg != nil {
		block := cfg.Project.Bridge
		if block.Enabled != nil {
			s.Enabled = *block.Enabled
		}
		s.Host = firstNonEmpty(block.Host, s.Host)
		if portInRange(block.Port) {
			s.Port = block.Port
		}
	}
	if enabled, ok := envBool("COLETA_BRIDGE_ENABLED"); ok {
		s.Enabled = enabled
	}
	s.Host = firstNonEmpty(os.Getenv("COLETA_BRIDGE_HOST"), s.Host)
	if port, ok := envPort("COLETA_BRIDGE_PORT"); ok {
		s.Port = port
	}
	return s.withDefaults()
}

// withDefaults fills zero limits. Port 0 is kept so tests can bind an
// ephemeral port.
func (s Settings) withDefaults() Settings {
	s.Host = firstNonEmpty(s.Host, DefaultHost)
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	return s
}

// Address is the host:port the bridge listens on.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL a companion client calls.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func envBool(name string) (bool, bool) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(value)
	return parsed, err == nil
}

func envPort(name string) (int, bool) {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil || !portInRange(parsed) {
		return 0, false
	}
	return parsed, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func portInRange(port int) bool {
	return port > 0 && port <= 65535
}
