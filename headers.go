package hammerhead

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// Marker headers exchanged between the proxy and its client runtime. They
// are never forwarded to destinations.
const (
	markerPrefix = "X-Hammerhead-"

	HeaderXHRRequest      = "X-Hammerhead-Xhr-Request"
	HeaderFetchRequest    = "X-Hammerhead-Fetch-Request"
	HeaderRequestMarker   = "X-Hammerhead-Request-Marker"
	HeaderWithCredentials = "X-Hammerhead-With-Credentials"
	HeaderOrigin          = "X-Hammerhead-Origin"

	HeaderCrossOrigin   = "X-Hammerhead-Cross-Origin"
	HeaderCredentials   = "X-Hammerhead-Credentials"
	HeaderCORSSupported = "X-Hammerhead-Cors-Supported"
)

// StatusCORSFailed is answered to scripted requests that the destination's
// CORS policy does not allow.
const StatusCORSFailed = 222

// Markers are the marker headers found on an inbound request.
type Markers struct {
	XHR             bool
	Fetch           bool
	RequestMarker   bool
	WithCredentials bool
	// Origin is the destination origin of the page that issued the request.
	Origin string
	// Raw holds every marker header by canonical name.
	Raw map[string]string
}

// Scripted reports a request issued by XMLHttpRequest or fetch.
func (m Markers) Scripted() bool { return m.XHR || m.Fetch }

// takeMarkers records and removes the marker headers of h.
func takeMarkers(h http.Header) Markers {
	var m Markers
	for name, values := range h {
		if !strings.HasPrefix(name, markerPrefix) {
			continue
		}
		v := ""
		if len(values) > 0 {
			v = values[0]
		}
		if m.Raw == nil {
			m.Raw = make(map[string]string)
		}
		m.Raw[name] = v
		switch name {
		case HeaderXHRRequest:
			m.XHR = true
		case HeaderFetchRequest:
			m.Fetch = true
		case HeaderRequestMarker:
			m.RequestMarker = true
		case HeaderWithCredentials:
			m.WithCredentials = v == "true"
		case HeaderOrigin:
			m.Origin = strings.TrimRight(v, "/")
		}
		delete(h, name)
	}
	return m
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// securityHeaders break proxied pages and are dropped from responses.
var securityHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-Webkit-Csp",
	"X-Frame-Options",
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Public-Key-Pins-Report-Only",
}

// origin returns scheme://host[:port] of u.
func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// prepareRequestHeaders turns the inbound headers in h into destination
// headers for rc.
func (p *Proxy) prepareRequestHeaders(h http.Header, rc *RequestContext) {
	rc.Markers = takeMarkers(h)
	removeHopByHopHeaders(h)

	pageOrigin := rc.Markers.Origin
	if ref := h.Get("Referer"); ref != "" {
		if pu, err := proxyurl.Decode(ref); err == nil {
			h.Set("Referer", pu.DestURL)
			if pageOrigin == "" {
				if u, err := url.Parse(pu.DestURL); err == nil {
					pageOrigin = origin(u)
				}
			}
		} else {
			h.Del("Referer")
		}
	}

	rc.PageOrigin = pageOrigin
	rc.CrossOrigin = pageOrigin != "" && !strings.EqualFold(pageOrigin, origin(rc.Dest))
	if h.Get("Origin") != "" {
		if pageOrigin != "" {
			h.Set("Origin", pageOrigin)
		} else {
			h.Del("Origin")
		}
	}

	h.Del("Cookie")
	if sendsCredentials(rc) {
		if v := rc.Session.Cookies.CookieHeader(rc.Dest); v != "" {
			h.Set("Cookie", v)
		}
	}
}

// sendsCredentials decides whether cookies travel with the request.
func sendsCredentials(rc *RequestContext) bool {
	switch rc.ProxyURL.Credentials {
	case proxyurl.CredentialsOmit:
		return false
	case proxyurl.CredentialsSameOrigin:
		return !rc.CrossOrigin
	case proxyurl.CredentialsInclude:
		return true
	}
	if rc.Markers.Scripted() && rc.CrossOrigin {
		return rc.Markers.WithCredentials
	}
	return true
}

// corsAllowed checks the destination's answer to a cross-origin scripted
// request.
func corsAllowed(h http.Header, pageOrigin string, withCredentials bool) bool {
	allow := strings.TrimSpace(h.Get("Access-Control-Allow-Origin"))
	if allow == "*" {
		return !withCredentials
	}
	if !strings.EqualFold(strings.TrimRight(allow, "/"), pageOrigin) {
		return false
	}
	if withCredentials {
		return strings.EqualFold(h.Get("Access-Control-Allow-Credentials"), "true")
	}
	return true
}

// rewriteResponseHeaders stores cookies, drops headers that break
// proxying, points redirects at the proxy and adds the marker headers.
func (p *Proxy) rewriteResponseHeaders(h http.Header, rc *RequestContext) {
	removeHopByHopHeaders(h)

	if lines := h.Values("Set-Cookie"); len(lines) > 0 {
		if sendsCredentials(rc) {
			if err := rc.Session.Cookies.SetCookieHeaders(rc.Dest, lines); err != nil {
				rc.Logger.Debug("cookies not stored", "request_id", rc.ID, "session", rc.Session.ID, "error", err)
			}
		}
		h.Del("Set-Cookie")
	}

	for _, name := range securityHeaders {
		h.Del(name)
	}

	pu := rc.ProxyURL
	opts := proxyurl.Options{Credentials: pu.Credentials, CrossDomain: pu.CrossDomain}
	for _, name := range []string{"Location", "Content-Location"} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		abs, ok := proxyurl.Resolve(rc.Dest, v)
		if !ok {
			continue
		}
		if out, err := p.Codec.Encode(abs, pu.ResourceType, pu.SessionID, opts); err == nil {
			h.Set(name, out)
		}
	}
	if v := h.Get("Refresh"); v != "" {
		if out, ok := p.rewriter().RefreshURL(v, rc.Dest, pu.SessionID, pu.ResourceType); ok {
			h.Set("Refresh", out)
		}
	}

	h.Set(HeaderCrossOrigin, strconv.FormatBool(rc.CrossOrigin))
	if pu.Credentials != proxyurl.CredentialsUnset {
		h.Set(HeaderCredentials, pu.Credentials.String())
	}
}
