package config

import (
	"fmt"
	"sync"

	"github.com/matheus3301/lifetrack/internal/endpoint"
)

// Live holds a profile's settings for a running daemon. It answers the
// endpoint questions of each sync cycle and persists endpoint changes.
type Live struct {
	mu   sync.RWMutex
	path string
	s    Settings
}

// NewLive wraps s; changes are saved to path when it is non-empty.
func NewLive(path string, s Settings) *Live {
	return &Live{path: path, s: s}
}

// Settings returns a copy of the current settings.
func (l *Live) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s
}

// Mode returns the configured connectivity mode. An unparsable value is
// passed through so the resolver reports it as unknown.
func (l *Live) Mode() endpoint.Mode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, _ := endpoint.ParseMode(l.s.Mode)
	return m
}

// ServerURL returns the self-hosted URL.
func (l *Live) ServerURL() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.ServerURL
}

// Viewer returns the local user id.
func (l *Live) Viewer() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.ViewerUserID
}

// SetEndpoint switches mode and server URL. The next cycle picks it up.
func (l *Live) SetEndpoint(mode, serverURL string) error {
	m, ok := endpoint.ParseMode(mode)
	if !ok {
		return fmt.Errorf("unknown mode %q", mode)
	}
	return l.update(func(s *Settings) {
		s.Mode = string(m)
		if m == endpoint.ModeSelfHosted || serverURL != "" {
			s.ServerURL = serverURL
		}
	})
}

// SetViewer changes the local user id.
func (l *Live) SetViewer(viewer string) error {
	if viewer == "" {
		return fmt.Errorf("viewer must not be empty")
	}
	return l.update(func(s *Settings) { s.ViewerUserID = viewer })
}

func (l *Live) update(fn func(*Settings)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.s
	fn(&next)
	if l.path != "" {
		if err := SaveSettings(l.path, &next); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	l.s = next
	return nil
}
