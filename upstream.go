package hammerhead

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// UpstreamProxy configures forwarding of destination requests through a
// parent proxy. HTTP and HTTPS parents are reached with CONNECT tunnels
// for https destinations and absolute-form requests for http ones; SOCKS5
// parents tunnel every connection.
type UpstreamProxy struct {
	// URL is the upstream proxy address, e.g. "http://proxy.corp:3128" or
	// "socks5://127.0.0.1:1080".
	URL *url.URL

	// Auth is optional credentials for the upstream proxy.
	Auth *UpstreamAuth

	// DialTimeout is the timeout for establishing a connection to the
	// upstream proxy. Defaults to 10 seconds.
	DialTimeout time.Duration

	socks proxy.ContextDialer
}

// UpstreamAuth holds credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy creates an UpstreamProxy from a URL string. Supported
// schemes are http, https, socks5 and socks5h.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", rawURL)
	}

	up := &UpstreamProxy{
		URL:         u,
		DialTimeout: 10 * time.Second,
	}

	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{
			Username: u.User.Username(),
			Password: pass,
		}
	}

	switch u.Scheme {
	case "http", "https":
	case "socks5", "socks5h":
		if err := up.buildSOCKS(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}

	return up, nil
}

// IsSOCKS reports whether the upstream is a SOCKS5 proxy.
func (up *UpstreamProxy) IsSOCKS() bool {
	return up.URL.Scheme == "socks5" || up.URL.Scheme == "socks5h"
}

// String returns the proxy URL with the password redacted.
func (up *UpstreamProxy) String() string {
	return up.URL.Redacted()
}

func (up *UpstreamProxy) buildSOCKS() error {
	host := up.URL.Host
	if up.URL.Port() == "" {
		host = net.JoinHostPort(up.URL.Hostname(), "1080")
	}

	var auth *proxy.Auth
	if up.Auth != nil {
		auth = &proxy.Auth{User: up.Auth.Username, Password: up.Auth.Password}
	}

	timeout := up.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	d, err := proxy.SOCKS5("tcp", host, auth, &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("socks5 dialer does not support contexts")
	}
	up.socks = cd
	return nil
}

// Apply configures t to route through the upstream proxy.
func (up *UpstreamProxy) Apply(t *http.Transport) {
	if up.IsSOCKS() {
		if up.socks == nil {
			if err := up.buildSOCKS(); err != nil {
				t.DialContext = func(context.Context, string, string) (net.Conn, error) { return nil, err }
				return
			}
		}
		t.Proxy = nil
		t.DialContext = up.socks.DialContext
		return
	}

	proxyURL := *up.URL
	if up.Auth != nil {
		proxyURL.User = url.UserPassword(up.Auth.Username, up.Auth.Password)
	}
	t.Proxy = http.ProxyURL(&proxyURL)
}

// Transport returns a RoundTripper that forwards requests through the
// upstream proxy. base must be an *http.Transport (it is cloned) or nil
// for a clone of http.DefaultTransport.
func (up *UpstreamProxy) Transport(base http.RoundTripper) http.RoundTripper {
	var t *http.Transport
	switch b := base.(type) {
	case nil:
		t = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		t = b.Clone()
	default:
		return base
	}
	up.Apply(t)
	return t
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
