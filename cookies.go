package hammerhead

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// CookieJar stores the destination cookies of one session. Scoping follows
// browser rules: host-only and Domain cookies, path prefix, Secure and
// expiry. Domain attributes naming a public suffix are rejected.
type CookieJar struct {
	mu     sync.RWMutex
	jar    *cookiejar.Jar
	closed bool
}

// NewCookieJar creates an empty jar.
func NewCookieJar() (*CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &CookieJar{jar: jar}, nil
}

// SetCookies stores cookies received from u.
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrSessionClosed
	}
	j.jar.SetCookies(u, cookies)
	return nil
}

// SetCookieHeaders parses raw Set-Cookie values received from u and stores
// them. Lines that do not parse are skipped.
func (j *CookieJar) SetCookieHeaders(u *url.URL, lines []string) error {
	cookies := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, c)
	}
	return j.SetCookies(u, cookies)
}

// Cookies returns the cookies to send to u. A closed jar returns none.
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil
	}
	return j.jar.Cookies(u)
}

// CookieHeader returns the Cookie header value for u.
func (j *CookieJar) CookieHeader(u *url.URL) string {
	cookies := j.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (j *CookieJar) close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
}
