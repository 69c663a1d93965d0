package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		hosted    string
		mode      Mode
		serverURL string
		reachable bool
		baseURL   string
		reason    string
	}{
		{"local ignores urls", "https://h.example", ModeLocal, "https://s.example", false, "", ReasonNoBackend},
		{"hosted ok", "https://h.example/", ModeHosted, "", true, "https://h.example", ReasonHosted},
		{"hosted missing", "", ModeHosted, "https://s.example", false, "", ReasonHostedNotConfigured},
		{"hosted malformed", "ftp://h.example", ModeHosted, "", false, "", ReasonHostedMalformed},
		{"self hosted ok", "", ModeSelfHosted, " http://10.0.0.2:8080 ", true, "http://10.0.0.2:8080", ReasonSelfHosted},
		{"self hosted missing", "https://h.example", ModeSelfHosted, "", false, "", ReasonSelfHostedNotConfigured},
		{"self hosted no host", "", ModeSelfHosted, "http://", false, "", ReasonSelfHostedMalformed},
		{"self hosted no scheme", "", ModeSelfHosted, "sync.example.com", false, "", ReasonSelfHostedMalformed},
		{"unknown mode", "https://h.example", Mode("carrier-pigeon"), "", false, "", ReasonUnknownMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolver{HostedURL: tt.hosted}.Resolve(tt.mode, tt.serverURL)
			assert.Equal(t, tt.reachable, got.Reachable)
			assert.Equal(t, tt.baseURL, got.BaseURL)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.mode, got.Mode)
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"local", ModeLocal, true},
		{"none", ModeLocal, true},
		{"Hosted", ModeHosted, true},
		{"self-hosted", ModeSelfHosted, true},
		{"self_hosted", ModeSelfHosted, true},
		{"mesh", Mode("mesh"), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseMode(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSourceReadsCurrentValues(t *testing.T) {
	r := Resolver{}
	got := r.ResolveSource(Static{M: ModeSelfHosted, URL: "https://me.example"})
	assert.True(t, got.Reachable)
	assert.Equal(t, "https://me.example", got.BaseURL)
}

func TestResolveNilSourceIsLocal(t *testing.T) {
	got := Resolver{HostedURL: "https://hosted.example"}.ResolveSource(nil)
	assert.False(t, got.Reachable)
	assert.Equal(t, ReasonNoBackend, got.Reason)
}
