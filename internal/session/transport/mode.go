package transport

import (
	"net/url"
	"strings"
)

// Mode is the strategy currently delivering session updates.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

// ModeSelector decides, without dialing, whether the live transport can be
// used at all from this client.
type ModeSelector interface {
	LiveViable() bool
}

// OriginSelector rejects the live transport when a secure page origin would
// have to reach an insecure endpoint of the same protocol family.
type OriginSelector struct {
	PageOrigin string
	Endpoint   string
}

// LiveViable implements ModeSelector.
func (s OriginSelector) LiveViable() bool {
	return !(isSecureOrigin(s.PageOrigin) && isInsecureEndpoint(s.Endpoint))
}

func scheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func isSecureOrigin(origin string) bool {
	return scheme(origin) == "https"
}

func isInsecureEndpoint(endpoint string) bool {
	return scheme(endpoint) == "ws"
}

// SelectorFunc adapts a function to ModeSelector.
type SelectorFunc func() bool

// LiveViable implements ModeSelector.
func (f SelectorFunc) LiveViable() bool { return f() }
