package hammerhead

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"

	"github.com/acmacalister/hammerhead/instrument"
	"github.com/acmacalister/hammerhead/proxyurl"
)

var (
	// ErrMalformedProxyURL is returned when a request URL is not a proxy URL.
	ErrMalformedProxyURL = proxyurl.ErrMalformedProxyURL

	// ErrInvalidURL is returned when a destination cannot be encoded.
	ErrInvalidURL = proxyurl.ErrInvalidURL

	// ErrParseFailure is returned when a script cannot be instrumented.
	ErrParseFailure = instrument.ErrParseFailure

	ErrSessionClosed    = errors.New("session closed")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrSessionNotFound  = errors.New("session not found")

	ErrDestinationConnectionTerminated = errors.New("destination connection terminated")
	ErrDnsResolutionFailed             = errors.New("dns resolution failed")
	ErrDestinationTimeout              = errors.New("destination timeout")

	// ErrInvalidTransition is a programming error in the request pipeline.
	ErrInvalidTransition = errors.New("invalid request state transition")
)

// FailureKind is the terminal failure of a request.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureBadURL
	FailureSessionUnavailable
	FailureConnectionTerminated
	FailureDNS
	FailureTimeout
	// FailureAborted is a client cancellation. It is never reported to the
	// client.
	FailureAborted
	FailureInternal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureBadURL:
		return "bad_url"
	case FailureSessionUnavailable:
		return "session_unavailable"
	case FailureConnectionTerminated:
		return "destination_connection_terminated"
	case FailureDNS:
		return "dns_resolution_failed"
	case FailureTimeout:
		return "destination_timeout"
	case FailureAborted:
		return "aborted"
	case FailureInternal:
		return "internal"
	}
	return fmt.Sprintf("failure(%d)", int(k))
}

// ParseFailureKind is the inverse of FailureKind.String.
func ParseFailureKind(s string) (FailureKind, error) {
	for k := FailureNone; k <= FailureInternal; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return FailureNone, fmt.Errorf("unknown failure kind %q", s)
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureConnectionTerminated:
		return ErrDestinationConnectionTerminated
	case FailureDNS:
		return ErrDnsResolutionFailed
	case FailureTimeout:
		return ErrDestinationTimeout
	case FailureBadURL:
		return ErrMalformedProxyURL
	}
	return nil
}

// DefaultErrorTemplates are the messages shown for destination failures.
// {url} is replaced with the destination URL.
var DefaultErrorTemplates = map[FailureKind]string{
	FailureConnectionTerminated: "Failed to perform a request to the resource at {url} because of an error. The connection was unexpectedly terminated.",
	FailureDNS:                  "Failed to find a DNS-record for the resource at {url}.",
	FailureTimeout:              "Failed to complete a request to {url} within the timeout period. The problem may be related to local machine's network or firewall settings, server outage, or network problems that make the server inaccessible.",
	FailureInternal:             "An internal error occurred while requesting {url}.",
}

// RenderErrorTemplate substitutes url into the template for kind, taking
// overrides before the defaults.
func RenderErrorTemplate(kind FailureKind, url string, overrides map[FailureKind]string) string {
	tmpl, ok := overrides[kind]
	if !ok {
		tmpl, ok = DefaultErrorTemplates[kind]
	}
	if !ok {
		tmpl = "Request to {url} failed."
	}
	return strings.ReplaceAll(tmpl, "{url}", url)
}

// DestinationError is a classified failure of a destination fetch.
type DestinationError struct {
	Kind FailureKind
	URL  string
	// Partial is set when part of the body already reached the client.
	Partial bool
	Err     error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *DestinationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Message is the user facing text for the failure.
func (e *DestinationError) Message() string {
	return RenderErrorTemplate(e.Kind, e.URL, nil)
}

// classifyDestination maps a transport error to a failure kind. The caller
// decides Aborted by looking at the inbound request context.
func classifyDestination(err error) FailureKind {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return FailureDNS
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrDestinationTimeout):
		return FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	}
	return FailureConnectionTerminated
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}

// resetConn is a destination connection that remembers a peer reset. Some
// network stacks report a broken pipe on the next write after a reset; that
// write fails with a *resetPipeError carrying the reset instead.
type resetConn struct {
	net.Conn

	mu    sync.Mutex
	reset error
}

func (c *resetConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.observe(err)
	}
	return n, err
}

func (c *resetConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err == nil {
		return n, nil
	}
	if isBrokenPipe(err) {
		c.mu.Lock()
		reset := c.reset
		c.mu.Unlock()
		if reset != nil {
			return n, &resetPipeError{reset: reset, pipe: err}
		}
	}
	c.observe(err)
	return n, err
}

func (c *resetConn) observe(err error) {
	if !errors.Is(err, syscall.ECONNRESET) {
		return
	}
	c.mu.Lock()
	if c.reset == nil {
		c.reset = err
	}
	c.mu.Unlock()
}

// resetPipeError is a broken pipe that followed a reset on the same
// connection. It reads and unwraps as the reset.
type resetPipeError struct {
	reset error
	pipe  error
}

func (e *resetPipeError) Error() string { return e.reset.Error() }
func (e *resetPipeError) Unwrap() error { return e.reset }

// trackResets wraps the dialer of t so its connections are resetConns.
func trackResets(t *http.Transport) *http.Transport {
	dial := t.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &resetConn{Conn: conn}, nil
	}
	return t
}

// newDestinationTransport returns a clone of http.DefaultTransport with
// reset tracking and without transparent decompression.
func newDestinationTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	return trackResets(t)
}
