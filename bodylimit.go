package hammerhead

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
)

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// ErrBodyTooLarge is returned when a request body exceeds its limit.
var ErrBodyTooLarge = errors.New("request body too large")

// HostBodyLimit overrides the body limit for one destination host. A "*."
// prefix covers the domain and its subdomains. MaxSize 0 means unlimited.
type HostBodyLimit struct {
	Host    string `mapstructure:"host"`
	MaxSize int64  `mapstructure:"max_size"`
}

// BodyLimiter bounds the request bodies the proxy buffers before
// forwarding them. Bodies are held in memory so an auth challenge can
// replay them.
type BodyLimiter struct {
	// MaxSize applies to destinations without an override. 0 is unlimited.
	MaxSize int64

	// Unchecked methods are buffered without a limit.
	Unchecked []string

	mu        sync.RWMutex
	exact     map[string]int64
	wildcards []HostBodyLimit // longest suffix first
}

// NewBodyLimiter returns a limiter with the given default limit. GET, HEAD,
// OPTIONS and TRACE are unchecked.
func NewBodyLimiter(maxSize int64, overrides ...HostBodyLimit) *BodyLimiter {
	bl := &BodyLimiter{
		MaxSize:   maxSize,
		Unchecked: []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace},
		exact:     make(map[string]int64),
	}
	for _, o := range overrides {
		bl.SetHostLimit(o.Host, o.MaxSize)
	}
	return bl
}

// SetHostLimit sets the limit for host. A negative limit removes the
// override.
func (bl *BodyLimiter) SetHostLimit(host string, limit int64) {
	host = strings.ToLower(host)
	suffix, wild := strings.CutPrefix(host, "*.")

	bl.mu.Lock()
	defer bl.mu.Unlock()

	if !wild {
		if limit < 0 {
			delete(bl.exact, host)
		} else {
			bl.exact[host] = limit
		}
		return
	}

	bl.wildcards = slices.DeleteFunc(bl.wildcards, func(h HostBodyLimit) bool { return h.Host == suffix })
	if limit >= 0 {
		bl.wildcards = append(bl.wildcards, HostBodyLimit{Host: suffix, MaxSize: limit})
		slices.SortFunc(bl.wildcards, func(a, b HostBodyLimit) int { return len(b.Host) - len(a.Host) })
	}
}

// Limit returns the limit for dest. An exact host wins over the longest
// matching wildcard.
func (bl *BodyLimiter) Limit(dest *url.URL) int64 {
	if dest == nil {
		return bl.MaxSize
	}
	host := strings.ToLower(dest.Hostname())

	bl.mu.RLock()
	defer bl.mu.RUnlock()

	if limit, ok := bl.exact[host]; ok {
		return limit
	}
	for _, w := range bl.wildcards {
		if host == w.Host || strings.HasSuffix(host, "."+w.Host) {
			return w.MaxSize
		}
	}
	return bl.MaxSize
}

func (bl *BodyLimiter) limitFor(req *http.Request, dest *url.URL) int64 {
	if bl == nil || slices.Contains(bl.Unchecked, req.Method) {
		return 0
	}
	return bl.Limit(dest)
}

// ReadBody buffers the request body, enforcing the destination's limit. A
// declared Content-Length over the limit is rejected before reading.
// Requests without a body yield nil. A nil limiter reads without limit.
func (bl *BodyLimiter) ReadBody(req *http.Request, dest *url.URL) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()

	limit := bl.limitFor(req, dest)
	if limit > 0 && req.ContentLength > limit {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrBodyTooLarge, req.ContentLength, limit)
	}

	var src io.Reader = req.Body
	if limit > 0 {
		src = io.LimitReader(req.Body, limit+1)
	}

	var buf bytes.Buffer
	if req.ContentLength > 0 {
		buf.Grow(int(req.ContentLength))
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, err
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrBodyTooLarge, limit)
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}
