package hammerhead

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/acmacalister/hammerhead/proxyurl"
)

func TestTakeMarkers(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderXHRRequest, "true")
	h.Set(HeaderWithCredentials, "true")
	h.Set(HeaderOrigin, "https://app.example.com/")
	h.Set("X-Hammerhead-Unknown", "v")
	h.Set("Accept", "*/*")

	m := takeMarkers(h)
	if !m.XHR || m.Fetch || !m.Scripted() {
		t.Errorf("XHR/Fetch = %v/%v", m.XHR, m.Fetch)
	}
	if !m.WithCredentials {
		t.Error("WithCredentials not set")
	}
	if m.Origin != "https://app.example.com" {
		t.Errorf("Origin = %q", m.Origin)
	}
	if m.Raw["X-Hammerhead-Unknown"] != "v" {
		t.Errorf("Raw = %v", m.Raw)
	}
	for name := range h {
		if name != "Accept" {
			t.Errorf("marker %q left on the request", name)
		}
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Proxy-Authorization", "Basic x")
	h.Set("Content-Type", "text/html")

	removeHopByHopHeaders(h)
	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Transfer-Encoding", "Proxy-Authorization"} {
		if h.Get(name) != "" {
			t.Errorf("%s not removed", name)
		}
	}
	if h.Get("Content-Type") != "text/html" {
		t.Error("end-to-end header removed")
	}
}

func TestSendsCredentials(t *testing.T) {
	tests := []struct {
		name        string
		mode        proxyurl.CredentialsMode
		scripted    bool
		withCreds   bool
		crossOrigin bool
		want        bool
	}{
		{"omit", proxyurl.CredentialsOmit, false, false, false, false},
		{"same-origin same", proxyurl.CredentialsSameOrigin, false, false, false, true},
		{"same-origin cross", proxyurl.CredentialsSameOrigin, false, false, true, false},
		{"include cross", proxyurl.CredentialsInclude, false, false, true, true},
		{"unset navigation", proxyurl.CredentialsUnset, false, false, true, true},
		{"unset xhr cross", proxyurl.CredentialsUnset, true, false, true, false},
		{"unset xhr cross with credentials", proxyurl.CredentialsUnset, true, true, true, true},
		{"unset xhr same", proxyurl.CredentialsUnset, true, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &RequestContext{
				ProxyURL:    &proxyurl.ProxyURL{Credentials: tt.mode},
				Markers:     Markers{XHR: tt.scripted, WithCredentials: tt.withCreds},
				CrossOrigin: tt.crossOrigin,
			}
			if got := sendsCredentials(rc); got != tt.want {
				t.Errorf("sendsCredentials = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCorsAllowed(t *testing.T) {
	const page = "https://app.example.com"
	tests := []struct {
		name        string
		allowOrigin string
		allowCreds  string
		withCreds   bool
		want        bool
	}{
		{"wildcard", "*", "", false, true},
		{"wildcard with credentials", "*", "true", true, false},
		{"exact", page, "", false, true},
		{"exact trailing slash", page + "/", "", false, true},
		{"exact with credentials", page, "true", true, true},
		{"exact credentials not allowed", page, "", true, false},
		{"other origin", "https://evil.example", "", false, false},
		{"missing", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.allowOrigin != "" {
				h.Set("Access-Control-Allow-Origin", tt.allowOrigin)
			}
			if tt.allowCreds != "" {
				h.Set("Access-Control-Allow-Credentials", tt.allowCreds)
			}
			if got := corsAllowed(h, page, tt.withCreds); got != tt.want {
				t.Errorf("corsAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	u, _ := url.Parse("HTTPS://Example.COM:8443/path?q")
	if got := origin(u); got != "https://example.com:8443" {
		t.Errorf("origin = %q", got)
	}
}
