package hammerhead

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/acmacalister/hammerhead/proxyurl"
	"github.com/acmacalister/hammerhead/rewrite"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

const testPage = `<html><head><title>t</title></head><body>
<img src="i.png">
<script src="/app.js"></script>
</body></html>`

// ---------------------------------------------------------------------------
// Rewriting
// ---------------------------------------------------------------------------

func TestPipeline_RewritesHTML(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte(testPage))
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	tp.session.SetInjectedScripts([]string{"/hammerhead.js"})

	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/page.html", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	for _, h := range []string{"Content-Security-Policy", "X-Frame-Options"} {
		if v := resp.Header.Get(h); v != "" {
			t.Errorf("%s = %q, want removed", h, v)
		}
	}
	if got := resp.Header.Get(HeaderCrossOrigin); got != "false" {
		t.Errorf("%s = %q, want %q", HeaderCrossOrigin, got, "false")
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want %q", got, "text/html; charset=utf-8")
	}
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(body))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	origin := tp.Codec.Origin(false)
	if got, want := doc.Find("img").AttrOr("src", ""), origin+"/sid!m/"+backend.URL+"/i.png"; got != want {
		t.Errorf("img src = %q, want %q", got, want)
	}
	if got, want := doc.Find("script:not(.hammerhead-script)").AttrOr("src", ""), origin+"/sid!s/"+backend.URL+"/app.js"; got != want {
		t.Errorf("script src = %q, want %q", got, want)
	}
	if got := doc.Find("script.hammerhead-script").AttrOr("src", ""); got != "/hammerhead.js" {
		t.Errorf("injected script src = %q, want %q", got, "/hammerhead.js")
	}
}

func TestPipeline_RewritesGzipCSS(t *testing.T) {
	css := []byte(`a{background:url(bg.png)}`)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Errorf("Accept-Encoding = %q, want gzip", r.Header.Get("Accept-Encoding"))
		}
		gz, err := CompressBytes(css, EncodingGzip)
		if err != nil {
			t.Error(err)
			return
		}
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz)
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	req, _ := http.NewRequest(http.MethodGet, tp.proxyURL(t, backend.URL+"/style.css", proxyurl.ResourceStylesheet), nil)
	req.Header.Set("Accept-Encoding", "gzip, sdch")
	resp, body := tp.do(t, req)

	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	plain, err := Decompress([]byte(body), []string{EncodingGzip})
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	want := "url(" + tp.Codec.Origin(false) + "/sid!c/" + backend.URL + "/bg.png)"
	if !strings.Contains(string(plain), want) {
		t.Errorf("body = %q, want it to contain %q", plain, want)
	}
}

func TestPipeline_OpaquePassthrough(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 64))
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/i.png", proxyurl.ResourceImage))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !bytes.Equal([]byte(body), png) {
		t.Error("opaque body was modified")
	}
	if resp.Header.Get(HeaderCrossOrigin) == "" {
		t.Errorf("%s header missing", HeaderCrossOrigin)
	}
}

func TestPipeline_LargeBodyStreamsUnmodified(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer backend.Close()

	tp := newTestProxy(t, func(p *Proxy) { p.MaxRewriteSize = 16 })
	_, body := tp.get(t, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone))
	if body != testPage {
		t.Errorf("body = %q, want the original page", body)
	}
}

func TestPipeline_Head(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	req, _ := http.NewRequest(http.MethodHead, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone), nil)
	resp, body := tp.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body != "" {
		t.Errorf("HEAD body = %q, want empty", body)
	}
}

// ---------------------------------------------------------------------------
// Headers and cookies
// ---------------------------------------------------------------------------

func TestPipeline_Redirect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	resp, _ := tp.get(t, tp.proxyURL(t, backend.URL+"/old", proxyurl.ResourceNone))

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got, want := resp.Header.Get("Location"), tp.proxyURL(t, backend.URL+"/new", proxyurl.ResourceNone); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestPipeline_RequestHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	req, _ := http.NewRequest(http.MethodGet, tp.proxyURL(t, backend.URL+"/data", proxyurl.ResourceNone), nil)
	req.Header.Set("Referer", tp.proxyURL(t, backend.URL+"/page.html", proxyurl.ResourceNone))
	req.Header.Set(HeaderRequestMarker, "true")
	req.Header.Set("Accept-Encoding", "gzip, sdch, x-unknown")
	tp.do(t, req)
	seen := <-headers

	if got, want := seen.Get("Referer"), backend.URL+"/page.html"; got != want {
		t.Errorf("Referer = %q, want %q", got, want)
	}
	if got := seen.Get(HeaderRequestMarker); got != "" {
		t.Errorf("%s reached the destination: %q", HeaderRequestMarker, got)
	}
	if got := seen.Get("Accept-Encoding"); got != "gzip" {
		t.Errorf("Accept-Encoding = %q, want %q", got, "gzip")
	}
}

func TestPipeline_Cookies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "abc", Path: "/"})
		case "/check":
			_, _ = w.Write([]byte(r.Header.Get("Cookie")))
		}
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	resp, _ := tp.get(t, tp.proxyURL(t, backend.URL+"/login", proxyurl.ResourceNone))
	if v := resp.Header.Values("Set-Cookie"); len(v) != 0 {
		t.Errorf("Set-Cookie reached the client: %v", v)
	}

	_, body := tp.get(t, tp.proxyURL(t, backend.URL+"/check", proxyurl.ResourceNone))
	if body != "token=abc" {
		t.Errorf("Cookie at destination = %q, want %q", body, "token=abc")
	}

	omit, err := tp.Codec.Encode(backend.URL+"/check", proxyurl.ResourceNone, "sid", proxyurl.Options{Credentials: proxyurl.CredentialsOmit})
	if err != nil {
		t.Fatal(err)
	}
	if _, body := tp.get(t, omit); body != "" {
		t.Errorf("Cookie with credentials omitted = %q, want empty", body)
	}
}

func TestPipeline_CORS(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/open" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("data"))
	}))
	defer backend.Close()

	tp := newTestProxy(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"no allow origin", "/closed", StatusCORSFailed},
		{"wildcard allow origin", "/open", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tp.proxyURL(t, backend.URL+tt.path, proxyurl.ResourceNone), nil)
			req.Header.Set(HeaderXHRRequest, "true")
			req.Header.Set(HeaderOrigin, "https://other.example")
			resp, _ := tp.do(t, req)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == StatusCORSFailed && resp.Header.Get(HeaderCORSSupported) != "false" {
				t.Errorf("%s = %q, want false", HeaderCORSSupported, resp.Header.Get(HeaderCORSSupported))
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Rules and mocks
// ---------------------------------------------------------------------------

func TestPipeline_Rules(t *testing.T) {
	headers := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer backend.Close()

	filter := NewReloadableFilter(nil)
	if _, err := filter.AddRule(RequestFilterRule{
		Type:       "domain",
		Pattern:    "127.0.0.1",
		SetHeaders: map[string]string{"X-Rule": "global"},
	}); err != nil {
		t.Fatal(err)
	}
	tp := newTestProxy(t, func(p *Proxy) { p.Filter = filter })

	tp.get(t, tp.proxyURL(t, backend.URL+"/a", proxyurl.ResourceNone))
	seen := <-headers
	if got := seen.Get("X-Rule"); got != "global" {
		t.Errorf("X-Rule = %q, want %q", got, "global")
	}

	if _, err := tp.session.AddRule(RequestFilterRule{
		Type:          "url",
		Pattern:       backend.URL + "/b",
		SetHeaders:    map[string]string{"X-Rule": "session"},
		RemoveHeaders: []string{"X-Debug"},
	}); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, tp.proxyURL(t, backend.URL+"/b", proxyurl.ResourceNone), nil)
	req.Header.Set("X-Debug", "1")
	tp.do(t, req)
	seen = <-headers
	if got := seen.Get("X-Rule"); got != "session" {
		t.Errorf("X-Rule = %q, want %q", got, "session")
	}
	if got := seen.Get("X-Debug"); got != "" {
		t.Errorf("X-Debug = %q, want removed", got)
	}
}

func TestPipeline_Mocks(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("network"))
	}))
	defer backend.Close()

	filter := NewReloadableFilter(nil)
	if _, err := filter.AddRule(RequestFilterRule{
		Type:    "url",
		Pattern: backend.URL + "/mocked",
		Mock:    &MockResponse{StatusCode: http.StatusOK, ContentType: "text/plain", Body: "rule mock"},
	}); err != nil {
		t.Fatal(err)
	}
	logs := &syncBuffer{}
	tp := newTestProxy(t, func(p *Proxy) {
		p.Filter = filter
		p.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(logs, nil)))
	})
	if err := tp.session.AddMock(backend.URL+"/mocked/page", &MockResponse{
		ContentType: "text/html",
		Body:        `<img src="i.png">`,
	}); err != nil {
		t.Fatal(err)
	}

	_, body := tp.get(t, tp.proxyURL(t, backend.URL+"/mocked", proxyurl.ResourceNone))
	if body != "rule mock" {
		t.Errorf("body = %q, want %q", body, "rule mock")
	}

	// Session mocks win over the rule, and are rewritten.
	_, body = tp.get(t, tp.proxyURL(t, backend.URL+"/mocked/page", proxyurl.ResourceNone))
	if want := tp.Codec.Origin(false) + "/sid!m/" + backend.URL + "/mocked/i.png"; !strings.Contains(body, want) {
		t.Errorf("body = %q, want it to contain %q", body, want)
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("destination hits = %d, want 0", n)
	}
	if !strings.Contains(logs.String(), `"mocked":true`) {
		t.Errorf("access log does not mark mocked responses: %s", logs.String())
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestPipeline_MalformedURL(t *testing.T) {
	tp := newTestProxy(t)
	resp, body := tp.get(t, tp.server.URL+"/not-a-proxy-url")

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if got := resp.Header.Get(DiagnosticHeader); got != DiagnosticMalformedURL {
		t.Errorf("%s = %q, want %q", DiagnosticHeader, got, DiagnosticMalformedURL)
	}
	if !strings.Contains(body, "/not-a-proxy-url") {
		t.Error("page does not echo the requested URL")
	}
}

func TestPipeline_SessionUnavailable(t *testing.T) {
	tp := newTestProxy(t)

	unknown, err := tp.Codec.Encode("http://example.com/", proxyurl.ResourceNone, "nobody", proxyurl.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp, _ := tp.get(t, unknown); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	if err := tp.Sessions.Close("sid"); err != nil {
		t.Fatal(err)
	}
	resp, body := tp.get(t, tp.proxyURL(t, "http://example.com/", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("closed session status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if !strings.Contains(body, "session unavailable") {
		t.Errorf("body = %q, want session unavailable", body)
	}
}

func TestPipeline_DestinationErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   FailureKind
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "example.invalid", IsNotFound: true}, http.StatusBadGateway, FailureDNS},
		{"reset", &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, http.StatusBadGateway, FailureConnectionTerminated},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, FailureTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics()
			tp := newTestProxy(t, func(p *Proxy) {
				p.Metrics = metrics
				p.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
					return nil, tt.err
				})
			})

			resp, body := tp.get(t, tp.proxyURL(t, "http://example.invalid/", proxyurl.ResourceNone))
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get(DiagnosticHeader); got != tt.wantKind.String() {
				t.Errorf("%s = %q, want %q", DiagnosticHeader, got, tt.wantKind.String())
			}
			if !strings.Contains(body, "http://example.invalid/") {
				t.Error("page does not name the destination")
			}
		})
	}
}

func TestPipeline_DestinationTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	tp := newTestProxy(t, func(p *Proxy) { p.DestinationTimeout = 50 * time.Millisecond })
	resp, _ := tp.get(t, tp.proxyURL(t, backend.URL+"/slow", proxyurl.ResourceNone))

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusGatewayTimeout)
	}
	if got := resp.Header.Get(DiagnosticHeader); got != FailureTimeout.String() {
		t.Errorf("%s = %q, want %q", DiagnosticHeader, got, FailureTimeout.String())
	}
}

func TestPipeline_TimeoutCoversHeadersOnly(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("second"))
	}))
	defer backend.Close()

	tp := newTestProxy(t, func(p *Proxy) { p.DestinationTimeout = 50 * time.Millisecond })
	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/download", proxyurl.ResourceNone))

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body != "firstsecond" {
		t.Errorf("body = %q, want %q", body, "firstsecond")
	}
}

func TestPipeline_ConnectionClosedBeforeResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	resp, _ := tp.get(t, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone))

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if got := resp.Header.Get(DiagnosticHeader); got != FailureConnectionTerminated.String() {
		t.Errorf("%s = %q, want %q", DiagnosticHeader, got, FailureConnectionTerminated.String())
	}
}

// resetDuringWriteConn resets while the request is being written: the read
// side sees ECONNRESET, then the pending write fails with EPIPE.
type resetDuringWriteConn struct {
	net.Conn
	writing   chan struct{}
	reset     chan struct{}
	writeOnce sync.Once
	resetOnce sync.Once
}

func newResetDuringWriteConn() *resetDuringWriteConn {
	return &resetDuringWriteConn{writing: make(chan struct{}), reset: make(chan struct{})}
}

func (c *resetDuringWriteConn) Read([]byte) (int, error) {
	<-c.writing
	c.resetOnce.Do(func() { close(c.reset) })
	return 0, &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
}

func (c *resetDuringWriteConn) Write([]byte) (int, error) {
	c.writeOnce.Do(func() { close(c.writing) })
	<-c.reset
	return 0, &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)}
}

func (c *resetDuringWriteConn) Close() error { return nil }
func (c *resetDuringWriteConn) LocalAddr() net.Addr { return &net.TCPAddr{} }
func (c *resetDuringWriteConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }
func (c *resetDuringWriteConn) SetDeadline(time.Time) error { return nil }
func (c *resetDuringWriteConn) SetReadDeadline(time.Time) error { return nil }
func (c *resetDuringWriteConn) SetWriteDeadline(time.Time) error { return nil }

func TestPipeline_BrokenPipeAfterReset(t *testing.T) {
	logs := &syncBuffer{}
	tp := newTestProxy(t, func(p *Proxy) {
		p.Logger = slog.New(slog.NewJSONHandler(logs, nil))
		p.Transport = trackResets(&http.Transport{
			DisableKeepAlives: true,
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return newResetDuringWriteConn(), nil
			},
		})
	})

	resp, _ := tp.get(t, tp.proxyURL(t, "http://upload.test/form", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if got := resp.Header.Get(DiagnosticHeader); got != FailureConnectionTerminated.String() {
		t.Errorf("%s = %q, want %q", DiagnosticHeader, got, FailureConnectionTerminated.String())
	}

	out := logs.String()
	if !strings.Contains(out, "connection reset") {
		t.Errorf("log does not report the reset:\n%s", out)
	}
	if strings.Contains(out, "broken pipe") {
		t.Errorf("log reports the broken pipe after the reset:\n%s", out)
	}
}

func TestPipeline_PartialBodyAborts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 1000\r\n\r\n0123456789")
		_ = buf.Flush()
		_ = conn.Close()
	}))
	defer backend.Close()

	logs := &syncBuffer{}
	tp := newTestProxy(t, func(p *Proxy) {
		p.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(logs, nil)))
	})

	resp, err := tp.client.Get(tp.proxyURL(t, backend.URL+"/file.bin", proxyurl.ResourceNone))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("reading a partial body should fail")
	}

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(logs.String(), FailureConnectionTerminated.String()) {
		if time.Now().After(deadline) {
			t.Fatalf("access log = %s, want failure %s", logs.String(), FailureConnectionTerminated)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipeline_BodyTooLarge(t *testing.T) {
	tp := newTestProxy(t, func(p *Proxy) { p.BodyLimiter = NewBodyLimiter(8) })

	req, _ := http.NewRequest(http.MethodPost, tp.proxyURL(t, "http://example.com/upload", proxyurl.ResourceNone), strings.NewReader(strings.Repeat("x", 64)))
	resp, _ := tp.do(t, req)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
}

func TestPipeline_ForwardsBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(append([]byte(r.Method+" "), body...))
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	req, _ := http.NewRequest(http.MethodPost, tp.proxyURL(t, backend.URL+"/echo", proxyurl.ResourceForm), strings.NewReader("a=1&b=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, body := tp.do(t, req); body != "POST a=1&b=2" {
		t.Errorf("body = %q, want %q", body, "POST a=1&b=2")
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestPipeline_BasicChallenge(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != `CORP\alice` || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("welcome"))
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	tp.session.Credentials = &Credentials{Username: "alice", Password: "secret", Domain: "CORP"}

	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/private", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body != "welcome" {
		t.Errorf("body = %q, want %q", body, "welcome")
	}
	if hits.Load() < 2 {
		t.Errorf("destination hits = %d, want the credentials sent after a challenge", hits.Load())
	}
}

func TestPipeline_ChallengeWithoutCredentials(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	tp := newTestProxy(t)
	resp, _ := tp.get(t, tp.proxyURL(t, backend.URL+"/private", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

// ---------------------------------------------------------------------------
// Observability
// ---------------------------------------------------------------------------

func TestPipeline_AccessLog(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer backend.Close()

	logs := &syncBuffer{}
	tp := newTestProxy(t, func(p *Proxy) {
		p.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(logs, nil)))
		p.Metrics = NewMetrics()
	})

	tp.get(t, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone))
	tp.get(t, tp.server.URL+"/bad")

	out := logs.String()
	for _, want := range []string{
		`"session":"sid"`,
		`"content_kind":"html"`,
		`"status":200`,
		`"destination":"` + backend.URL + `/"`,
		`"failure":"bad_url"`,
		`"status":404`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("access log missing %s\n%s", want, out)
		}
	}

	rec := httptest.NewRecorder()
	tp.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`hammerhead_requests_total{content_kind="html",resource_type="none"} 1`,
		`hammerhead_request_failures_total{kind="bad_url"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestFilterAcceptEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"gzip, deflate, br, zstd", "gzip, deflate, br, zstd"},
		{"gzip, sdch", "gzip"},
		{"GZIP;q=0.5, compress", "GZIP;q=0.5"},
		{"sdch, x-foo", ""},
		{"identity", "identity"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h := http.Header{}
			if tt.in != "" {
				h.Set("Accept-Encoding", tt.in)
			}
			filterAcceptEncoding(h)
			if got := h.Get("Accept-Encoding"); got != tt.want {
				t.Errorf("Accept-Encoding = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetUTF8(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"text/html", "text/html; charset=utf-8"},
		{"text/html; charset=windows-1251", "text/html; charset=utf-8"},
		{"", ""},
		{"not a media type;;", "not a media type;;"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h := http.Header{}
			if tt.in != "" {
				h.Set("Content-Type", tt.in)
			}
			setUTF8(h)
			if got := h.Get("Content-Type"); got != tt.want {
				t.Errorf("Content-Type = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		status   int
		header   map[string]string
		rt       proxyurl.ResourceType
		body     string
		wantKind rewrite.ContentKind
	}{
		{"html", http.MethodGet, 200, map[string]string{"Content-Type": "text/html"}, proxyurl.ResourceNone, "", rewrite.HTML},
		{"head", http.MethodHead, 200, map[string]string{"Content-Type": "text/html"}, proxyurl.ResourceNone, "", rewrite.Opaque},
		{"not modified", http.MethodGet, 304, map[string]string{"Content-Type": "text/html"}, proxyurl.ResourceNone, "", rewrite.Opaque},
		{"unknown encoding", http.MethodGet, 200, map[string]string{"Content-Type": "text/html", "Content-Encoding": "x-custom"}, proxyurl.ResourceNone, "", rewrite.Opaque},
		{"sniffed html", http.MethodGet, 200, nil, proxyurl.ResourceNone, "<!DOCTYPE html><html><body>x</body></html>", rewrite.HTML},
		{"script resource", http.MethodGet, 200, map[string]string{"Content-Type": "application/octet-stream"}, proxyurl.ResourceScript, "var a;", rewrite.JS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			for k, v := range tt.header {
				resp.Header.Set(k, v)
			}
			r := httptest.NewRequest(tt.method, "/", nil)
			br := bufio.NewReader(strings.NewReader(tt.body))
			if got := classify(r, resp, tt.rt, br); got != tt.wantKind {
				t.Errorf("classify() = %v, want %v", got, tt.wantKind)
			}
		})
	}
}
