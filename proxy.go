package hammerhead

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acmacalister/hammerhead/proxyurl"
	"github.com/acmacalister/hammerhead/rewrite"
)

// Proxy is a URL-rewriting proxy. Clients address destinations through
// proxy URLs; responses are rewritten so that every URL they contain points
// back at the proxy.
type Proxy struct {
	// Codec is the proxy's own address and encodes proxy URLs.
	Codec *proxyurl.Codec

	// Sessions holds the open testing sessions.
	Sessions *SessionRegistry

	// Rewriter rewrites HTML, CSS and JS bodies (uses one built from Codec if nil)
	Rewriter *rewrite.Rewriter

	// Filter holds the global request filter rules (optional)
	Filter *ReloadableFilter

	// Credentials is the process-wide credential lookup used for
	// authentication challenges (optional)
	Credentials *CredentialCache

	// Transport for destination requests (optional, uses default if nil)
	Transport http.RoundTripper

	// TransportPool provides a connection-pooled transport with HTTP/2
	// support (optional). When set, its Transport() is used instead of
	// the Transport field.
	TransportPool *TransportPool

	// CertManager provides listener certificates when the codec protocol
	// is https.
	CertManager *CertManager

	// CertRotator replaces CertManager when listener certificates are
	// reloaded at runtime (optional).
	CertRotator *CertRotator

	// ClientAuth requires client certificates on https listeners (optional).
	ClientAuth *ClientAuth

	// RequestHooks and ResponseHooks run around every destination fetch
	// (optional). See [RequestHook].
	RequestHooks  []RequestHook
	ResponseHooks []ResponseHook

	// BodyLimiter caps buffered request bodies (optional)
	BodyLimiter *BodyLimiter

	// RateLimiter provides per-client request throttling (optional).
	// When set, requests exceeding the rate limit receive 429 responses.
	RateLimiter *RateLimiter

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// Health provides /healthz and /readyz endpoints (optional)
	Health *HealthChecker

	// AccessLog writes structured access log entries for each request (optional)
	AccessLog *AccessLogger

	// Admin provides REST endpoints for sessions and rules (optional).
	// Requests matching the AdminAPI.PathPrefix are routed to it instead
	// of being proxied.
	Admin *AdminAPI

	// ErrorPage renders malformed URL and destination error pages
	// (optional, uses default if nil)
	ErrorPage *ErrorPage

	// DestinationTimeout bounds the wait for destination response headers
	// (0 = no limit)
	DestinationTimeout time.Duration

	// MaxRewriteSize is the largest body buffered for rewriting. Larger
	// bodies stream through unmodified. 0 means 20MB.
	MaxRewriteSize int64

	// Server timeouts for the listeners
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Logger for proxy events
	Logger *slog.Logger

	rewriterOnce sync.Once
	defRewriter  *rewrite.Rewriter

	mu      sync.Mutex
	servers []*http.Server
}

// defaultTransport serves proxies without a Transport or TransportPool.
var defaultTransport = newDestinationTransport()

// NewProxy creates a proxy for the given address and session registry.
func NewProxy(codec *proxyurl.Codec, sessions *SessionRegistry) *Proxy {
	return &Proxy{
		Codec:              codec,
		Sessions:           sessions,
		Transport:          defaultTransport,
		DestinationTimeout: 25 * time.Second,
		MaxRewriteSize:     20 * MB,
		Logger:             slog.Default(),
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Proxy) rewriter() *rewrite.Rewriter {
	if p.Rewriter != nil {
		return p.Rewriter
	}
	p.rewriterOnce.Do(func() {
		p.defRewriter = rewrite.NewRewriter(p.Codec)
		p.defRewriter.Logger = p.logger()
	})
	return p.defRewriter
}

func (p *Proxy) errorPage() *ErrorPage {
	if p.ErrorPage == nil {
		return NewErrorPage()
	}
	return p.ErrorPage
}

func (p *Proxy) maxRewriteSize() int64 {
	if p.MaxRewriteSize <= 0 {
		return 20 * MB
	}
	return p.MaxRewriteSize
}

// transport returns the effective http.RoundTripper for destinations.
func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return defaultTransport
	}
}

// Addrs returns the listen addresses: the main port, then the
// cross-domain port when it differs.
func (p *Proxy) Addrs() []string {
	addrs := []string{":" + strconv.Itoa(p.Codec.Port)}
	if cd := p.Codec.CrossDomainPort; cd != 0 && cd != p.Codec.Port {
		addrs = append(addrs, ":"+strconv.Itoa(cd))
	}
	return addrs
}

// ListenAndServe listens on the main and cross-domain ports and serves
// until Shutdown is called or a listener fails.
func (p *Proxy) ListenAndServe() error {
	var listeners []net.Listener
	for _, addr := range p.Addrs() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return p.Serve(listeners...)
}

// Serve serves proxy requests on the given listeners. Listeners are
// wrapped with TLS when the codec protocol is https.
func (p *Proxy) Serve(listeners ...net.Listener) error {
	if strings.EqualFold(p.Codec.Protocol, "https") {
		var cfg *tls.Config
		switch {
		case p.CertRotator != nil:
			cfg = p.CertRotator.TLSConfig()
		case p.CertManager != nil:
			cfg = p.CertManager.TLSConfig()
		default:
			return fmt.Errorf("protocol https requires a certificate manager")
		}
		if p.ClientAuth != nil {
			p.ClientAuth.Apply(cfg)
		}
		for i, ln := range listeners {
			listeners[i] = tls.NewListener(ln, cfg)
		}
	}

	var g errgroup.Group
	for _, ln := range listeners {
		srv := &http.Server{
			Handler:      p,
			ReadTimeout:  p.ReadTimeout,
			WriteTimeout: p.WriteTimeout,
			IdleTimeout:  p.IdleTimeout,
			ErrorLog:     slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
		}
		p.mu.Lock()
		p.servers = append(p.servers, srv)
		p.mu.Unlock()

		g.Go(func() error {
			p.logger().Info("proxy listening", "addr", ln.Addr().String())
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			// One failed listener takes the others down.
			p.closeServers()
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		})
	}
	return g.Wait()
}

func (p *Proxy) closeServers() {
	p.mu.Lock()
	servers := p.servers
	p.mu.Unlock()
	for _, srv := range servers {
		_ = srv.Close()
	}
}

// Shutdown gracefully stops the listeners and closes all sessions.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	servers := p.servers
	p.servers = nil
	p.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Sessions != nil {
		p.Sessions.CloseAll()
	}
	if p.TransportPool != nil {
		p.TransportPool.CloseIdleConnections()
	}
	return errors.Join(errs...)
}

// ServeHTTP routes service endpoints and hands every other request to the
// proxy pipeline.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
		return
	}

	if p.Metrics != nil && r.URL.Path == "/metrics" {
		p.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if p.Health != nil {
		switch r.URL.Path {
		case "/healthz":
			p.Health.HandleHealthz(w, r)
			return
		case "/readyz":
			p.Health.HandleReadyz(w, r)
			return
		}
	}
	if p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) {
		p.Admin.ServeHTTP(w, r)
		return
	}

	// Rate limiting
	if p.RateLimiter != nil {
		if !p.RateLimiter.AllowHTTP(w, r) {
			if p.Metrics != nil {
				p.Metrics.RecordRateLimited()
			}
			return
		}
	}

	p.handle(w, r)
}
