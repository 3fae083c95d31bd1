package hammerhead

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/sync/singleflight"
)

// Credentials answer Basic and NTLM challenges from destinations.
type Credentials struct {
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	// Domain is the NTLM domain. It may also be given as DOMAIN\user.
	Domain string `json:"domain,omitempty" mapstructure:"domain"`
}

// user returns the user name in the DOMAIN\user form understood by the NTLM
// negotiator.
func (c *Credentials) user() string {
	if c.Domain == "" || strings.ContainsAny(c.Username, `\@`) {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// CredentialsProvider supplies credentials for a destination on demand.
type CredentialsProvider func(ctx context.Context, dest *url.URL) (*Credentials, error)

// CredentialLookup retrieves the credentials of the account running the
// proxy. It returns nil credentials when none are available.
type CredentialLookup func(ctx context.Context) (*Credentials, error)

// EnvCredentials reads HAMMERHEAD_AUTH_USERNAME, HAMMERHEAD_AUTH_PASSWORD and
// HAMMERHEAD_AUTH_DOMAIN, falling back to USERDOMAIN for the domain.
func EnvCredentials(_ context.Context) (*Credentials, error) {
	user := os.Getenv("HAMMERHEAD_AUTH_USERNAME")
	if user == "" {
		return nil, nil
	}
	domain := os.Getenv("HAMMERHEAD_AUTH_DOMAIN")
	if domain == "" {
		domain = os.Getenv("USERDOMAIN")
	}
	return &Credentials{
		Username: user,
		Password: os.Getenv("HAMMERHEAD_AUTH_PASSWORD"),
		Domain:   domain,
	}, nil
}

// CredentialCache runs the OS credential lookup at most once per process and
// shares the result between requests. Concurrent callers wait for the same
// lookup. Failed lookups are not cached.
type CredentialCache struct {
	Lookup CredentialLookup

	// Metrics counts lookups (optional)
	Metrics *Metrics

	group   singleflight.Group
	mu      sync.Mutex
	done    bool
	creds   *Credentials
	lookups atomic.Int64
}

// NewCredentialCache creates a cache around lookup.
func NewCredentialCache(lookup CredentialLookup) *CredentialCache {
	return &CredentialCache{Lookup: lookup}
}

func (c *CredentialCache) cached() (*Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, c.done
}

// Get returns the cached credentials, running the lookup on first use.
func (c *CredentialCache) Get(ctx context.Context) (*Credentials, error) {
	if creds, ok := c.cached(); ok {
		return creds, nil
	}
	v, err, _ := c.group.Do("os", func() (any, error) {
		if creds, ok := c.cached(); ok {
			return creds, nil
		}
		if c.Lookup == nil {
			return (*Credentials)(nil), nil
		}
		c.lookups.Add(1)
		creds, err := c.Lookup(ctx)
		if c.Metrics != nil {
			c.Metrics.RecordCredentialLookup(err)
		}
		if err != nil {
			return nil, fmt.Errorf("credential lookup: %w", err)
		}
		c.mu.Lock()
		c.creds, c.done = creds, true
		c.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// Invalidate drops the cached result so the next Get runs the lookup again.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.creds, c.done = nil, false
	c.mu.Unlock()
}

// Lookups returns how many times the lookup ran.
func (c *CredentialCache) Lookups() int64 { return c.lookups.Load() }

// credentialsFor picks the session credentials, then the session provider,
// then the process-wide lookup.
func (p *Proxy) credentialsFor(ctx context.Context, s *Session, dest *url.URL) (*Credentials, error) {
	if s != nil {
		if s.Credentials != nil {
			return s.Credentials, nil
		}
		if s.CredentialsProvider != nil {
			creds, err := s.CredentialsProvider(ctx, dest)
			if err != nil {
				return nil, fmt.Errorf("session credentials provider: %w", err)
			}
			if creds != nil {
				return creds, nil
			}
		}
	}
	if p.Credentials != nil {
		return p.Credentials.Get(ctx)
	}
	return nil, nil
}

// isChallenge reports a 401 or 407 that offers a scheme the proxy can answer.
func isChallenge(resp *http.Response) bool {
	var header string
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		header = "Www-Authenticate"
	case http.StatusProxyAuthRequired:
		header = "Proxy-Authenticate"
	default:
		return false
	}
	for _, v := range resp.Header.Values(header) {
		scheme, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		switch strings.ToLower(scheme) {
		case "basic", "ntlm", "negotiate":
			return true
		}
	}
	return false
}

// authenticate answers the challenge in resp by replaying req with creds.
// 401 challenges go through the NTLM negotiator, which falls back to Basic;
// 407 challenges from an upstream proxy are answered with Basic.
func authenticate(rt http.RoundTripper, req *http.Request, body []byte, resp *http.Response, creds *Credentials) (*http.Response, error) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	retry := req.Clone(req.Context())
	retry.Body = http.NoBody
	retry.ContentLength = int64(len(body))
	if len(body) > 0 {
		retry.Body = io.NopCloser(bytes.NewReader(body))
		retry.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	if resp.StatusCode == http.StatusProxyAuthRequired {
		retry.Header.Set("Proxy-Authorization", basicAuth(creds.user(), creds.Password))
		return rt.RoundTrip(retry)
	}

	retry.SetBasicAuth(creds.user(), creds.Password)
	return ntlmssp.Negotiator{RoundTripper: rt}.RoundTrip(retry)
}
