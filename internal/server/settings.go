package server

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/stepforge/internal/config"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort matches the port the web client expects.
	DefaultPort = 5001
	// DefaultMaxBodyBytes limits JSON request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultMaxUploadBytes limits dataset uploads to 64 MB.
	DefaultMaxUploadBytes int64 = 64 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultHeartbeat is how often an idle event stream sends a comment line.
	DefaultHeartbeat = 15 * time.Second
)

// Settings captures runtime configuration for the HTTP server. There is no
// write timeout: event streams stay open for the whole session.
type Settings struct {
	Host                string
	Port                int
	MaxBodyBytes        int64
	MaxUploadBytes      int64
	ReadTimeout         time.Duration
	IdleTimeout         time.Duration
	Heartbeat           time.Duration
	AbandonOnDisconnect bool
}

// SettingsFromConfig builds Settings from the project's .stepforge config.
// Environment overrides were already applied by config.Load.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{AbandonOnDisconnect: true}
	if cfg != nil {
		raw := cfg.Project.Server
		settings.Host = raw.Host
		settings.Port = raw.Port
		settings.MaxBodyBytes = raw.MaxBodyBytes
		settings.MaxUploadBytes = raw.MaxUploadBytes
		settings.ReadTimeout = parseDuration(raw.ReadTimeout)
		settings.IdleTimeout = parseDuration(raw.IdleTimeout)
		settings.AbandonOnDisconnect = cfg.AbandonOnDisconnect()
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.MaxUploadBytes <= 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = DefaultHeartbeat
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func parseDuration(raw string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return d
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
