package hammerhead

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TransportPool provides the transport used for destination fetches, with
// connection pooling, optional HTTP/2 and optional chaining through an
// upstream proxy. Automatic decompression is always disabled: encoded
// bodies must reach the rewriter with their Content-Encoding intact.
//
// The pool also keeps per-destination counters, reported by the admin
// status endpoint.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all destinations.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per destination host.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits connections per destination host (0 = no limit).
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds the TCP dial (0 = 30s).
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the destination TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is usually left at 0: the proxy applies its
	// own destination budget per request.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 offers h2 to destinations via ALPN.
	EnableHTTP2 bool

	// TLSConfig for destination connections (optional).
	TLSConfig *tls.Config

	// Upstream routes destination connections through a parent proxy.
	Upstream *UpstreamProxy

	transport atomic.Pointer[http.Transport]

	rtOnce sync.Once
	rt     *destinationRoundTripper

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	hosts          sync.Map // host -> *destinationCounters
}

// NewTransportPool creates a TransportPool with defaults suited to a
// rewriting proxy that talks to many destinations.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		EnableHTTP2:         true,
	}
}

// Build creates the underlying [http.Transport] from the current fields
// and swaps it in. Idle connections of the previous transport are closed.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := &tls.Config{}
	if tp.TLSConfig != nil {
		tlsCfg = tp.TLSConfig.Clone()
	}
	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tp.MaxConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
		DisableCompression:    true,
	}
	if tp.Upstream != nil {
		tp.Upstream.Apply(t)
	}
	trackResets(t)

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns the pool's round tripper. The same value is returned
// on every call; it follows later calls to Build.
func (tp *TransportPool) Transport() http.RoundTripper {
	tp.rtOnce.Do(func() {
		tp.rt = &destinationRoundTripper{pool: tp}
	})
	return tp.rt
}

// CloseIdleConnections closes all idle destination connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

func (tp *TransportPool) current() *http.Transport {
	if t := tp.transport.Load(); t != nil {
		return t
	}
	return tp.Build()
}

func (tp *TransportPool) counters(host string) *destinationCounters {
	if c, ok := tp.hosts.Load(host); ok {
		return c.(*destinationCounters)
	}
	c, _ := tp.hosts.LoadOrStore(host, &destinationCounters{})
	return c.(*destinationCounters)
}

// TransportPoolStats is a snapshot of destination traffic.
type TransportPoolStats struct {
	TotalRequests  int64              `json:"total_requests"`
	ActiveRequests int64              `json:"active_requests"`
	Destinations   []DestinationStats `json:"destinations,omitempty"`
}

// DestinationStats counts fetches to one destination host.
type DestinationStats struct {
	Host     string `json:"host"`
	Requests int64  `json:"requests"`
	Active   int64  `json:"active"`
	Failures int64  `json:"failures"`

	// LastFailure is the failure kind of the most recent failed fetch.
	LastFailure string `json:"last_failure,omitempty"`
}

// Stats returns a snapshot of the pool counters, destinations sorted by
// host.
func (tp *TransportPool) Stats() TransportPoolStats {
	s := TransportPoolStats{
		TotalRequests:  tp.totalRequests.Load(),
		ActiveRequests: tp.activeRequests.Load(),
	}
	tp.hosts.Range(func(k, v any) bool {
		c := v.(*destinationCounters)
		ds := DestinationStats{
			Host:     k.(string),
			Requests: c.requests.Load(),
			Active:   c.active.Load(),
			Failures: c.failures.Load(),
		}
		if kind := FailureKind(c.lastFailure.Load()); kind != FailureNone {
			ds.LastFailure = kind.String()
		}
		s.Destinations = append(s.Destinations, ds)
		return true
	})
	sort.Slice(s.Destinations, func(i, j int) bool {
		return s.Destinations[i].Host < s.Destinations[j].Host
	})
	return s
}

type destinationCounters struct {
	requests    atomic.Int64
	active      atomic.Int64
	failures    atomic.Int64
	lastFailure atomic.Int32
}

type destinationRoundTripper struct {
	pool *TransportPool
}

func (rt *destinationRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tp := rt.pool
	c := tp.counters(req.URL.Host)

	tp.totalRequests.Add(1)
	tp.activeRequests.Add(1)
	c.requests.Add(1)
	c.active.Add(1)
	defer func() {
		tp.activeRequests.Add(-1)
		c.active.Add(-1)
	}()

	resp, err := tp.current().RoundTrip(req)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.failures.Add(1)
		c.lastFailure.Store(int32(classifyDestination(err)))
	}
	return resp, err
}
