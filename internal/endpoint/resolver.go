package endpoint

import (
	"net/url"
	"strings"
)

// HostedURL is the fixed hosted backend, injected at build time:
//
//	go build -ldflags "-X github.com/matheus3301/lifetrack/internal/endpoint.HostedURL=https://sync.example.com"
var HostedURL = ""

// Mode is the connectivity topology the client runs in.
type Mode string

const (
	ModeLocal      Mode = "local"
	ModeHosted     Mode = "hosted"
	ModeSelfHosted Mode = "self_hosted"
)

// Reasons reported by Resolve.
const (
	ReasonNoBackend               = "no backend configured"
	ReasonHostedNotConfigured     = "hosted backend URL not configured"
	ReasonHostedMalformed         = "hosted backend URL is malformed"
	ReasonSelfHostedNotConfigured = "self-hosted server URL not configured"
	ReasonSelfHostedMalformed     = "self-hosted server URL is malformed"
	ReasonUnknownMode             = "unknown mode"
	ReasonHosted                  = "hosted backend"
	ReasonSelfHosted              = "self-hosted backend"
)

// ParseMode accepts the canonical names and a few spellings users type.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "none", "offline", "":
		return ModeLocal, true
	case "hosted":
		return ModeHosted, true
	case "self_hosted", "self-hosted", "selfhosted":
		return ModeSelfHosted, true
	default:
		return Mode(s), false
	}
}

// Source exposes the current mode and the user-configured server URL.
type Source interface {
	Mode() Mode
	ServerURL() string
}

// Resolution is the verdict for one sync cycle.
type Resolution struct {
	Mode      Mode   `json:"mode"`
	Reachable bool   `json:"reachable"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Reason    string `json:"reason"`
}

// Resolver decides whether a remote sync target exists. It holds no state
// besides the hosted URL, so callers resolve again on every cycle.
type Resolver struct {
	HostedURL string
}

// NewResolver returns a resolver bound to the build-time hosted URL.
func NewResolver() Resolver {
	return Resolver{HostedURL: HostedURL}
}

// Resolve maps (mode, configured URL) to a Resolution. It never performs I/O.
func (r Resolver) Resolve(mode Mode, serverURL string) Resolution {
	switch mode {
	case ModeLocal:
		return Resolution{Mode: mode, Reason: ReasonNoBackend}
	case ModeHosted:
		return check(mode, r.HostedURL, ReasonHosted, ReasonHostedNotConfigured, ReasonHostedMalformed)
	case ModeSelfHosted:
		return check(mode, serverURL, ReasonSelfHosted, ReasonSelfHostedNotConfigured, ReasonSelfHostedMalformed)
	default:
		return Resolution{Mode: mode, Reason: ReasonUnknownMode}
	}
}

// ResolveSource resolves the current values of src. A nil source means no
// backend.
func (r Resolver) ResolveSource(src Source) Resolution {
	if src == nil {
		return r.Resolve(ModeLocal, "")
	}
	return r.Resolve(src.Mode(), src.ServerURL())
}

// Static is a Source with fixed values.
type Static struct {
	M   Mode
	URL string
}

func (s Static) Mode() Mode        { return s.M }
func (s Static) ServerURL() string { return s.URL }

func check(mode Mode, raw, okReason, missingReason, malformedReason string) Resolution {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resolution{Mode: mode, Reason: missingReason}
	}
	if !wellFormed(raw) {
		return Resolution{Mode: mode, Reason: malformedReason}
	}
	return Resolution{
		Mode:      mode,
		Reachable: true,
		BaseURL:   strings.TrimRight(raw, "/"),
		Reason:    okReason,
	}
}

func wellFormed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
