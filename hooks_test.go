package hammerhead

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/acmacalister/hammerhead/proxyurl"
)

func TestHooks_HeaderEdits(t *testing.T) {
	headers := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	var sessionSeen atomic.Value
	tp := newTestProxy(t, func(p *Proxy) {
		p.RequestHooks = []RequestHook{
			StripRequestHeaders("X-Secret"),
			RequestHookFunc(func(_ context.Context, _ *http.Request, rc *RequestContext) *http.Response {
				sessionSeen.Store(rc.Session.ID)
				return nil
			}),
		}
		p.ResponseHooks = []ResponseHook{SetResponseHeaders(map[string]string{"X-Proxied-By": "hammerhead"})}
	})

	req, _ := http.NewRequest(http.MethodGet, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone), nil)
	req.Header.Set("X-Secret", "1")
	req.Header.Set("X-Kept", "1")
	resp, body := tp.do(t, req)

	if body != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if got := resp.Header.Get("X-Proxied-By"); got != "hammerhead" {
		t.Errorf("X-Proxied-By = %q, want hammerhead", got)
	}
	h := <-headers
	if h.Get("X-Secret") != "" {
		t.Error("X-Secret reached the destination")
	}
	if h.Get("X-Kept") != "1" {
		t.Error("X-Kept was removed")
	}
	if got, _ := sessionSeen.Load().(string); got != "sid" {
		t.Errorf("hook saw session %q, want sid", got)
	}
}

func TestHooks_RequestHookAnswers(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	tp := newTestProxy(t, func(p *Proxy) {
		p.Metrics = NewMetrics()
		p.RequestHooks = []RequestHook{
			RequestHookFunc(func(_ context.Context, req *http.Request, _ *RequestContext) *http.Response {
				if !strings.HasSuffix(req.URL.Path, "/offline") {
					return nil
				}
				return &http.Response{
					StatusCode: http.StatusOK,
					Header:     http.Header{"Content-Type": {"text/html"}},
					Body:       io.NopCloser(strings.NewReader(`<a href="/next">next</a>`)),
				}
			}),
		}
	})

	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/offline", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if want := tp.Codec.Origin(false) + "/sid/" + backend.URL + "/next"; !strings.Contains(body, want) {
		t.Errorf("hook response not rewritten: %q, want it to contain %q", body, want)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("destination hits = %d, want 0", n)
	}

	tp.get(t, tp.proxyURL(t, backend.URL+"/online", proxyurl.ResourceNone))
	if n := hits.Load(); n != 1 {
		t.Errorf("destination hits = %d, want 1", n)
	}

	if m := scrapeMetrics(t, tp.Metrics); !strings.Contains(m, `hammerhead_hook_responses_total{stage="request"} 1`) {
		t.Errorf("hook response not counted:\n%s", m)
	}
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func TestHooks_ResponseHookReplaces(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("original"))
	}))
	defer backend.Close()

	var replaced atomic.Pointer[closeTracker]
	tp := newTestProxy(t, func(p *Proxy) {
		p.Metrics = NewMetrics()
		p.ResponseHooks = []ResponseHook{
			ResponseHookFunc(func(_ context.Context, _ *http.Request, resp *http.Response, _ *RequestContext) *http.Response {
				ct := &closeTracker{Reader: resp.Body}
				replaced.Store(ct)
				resp.Body = ct
				return &http.Response{
					StatusCode: http.StatusTeapot,
					Header:     http.Header{"Content-Type": {"text/plain"}},
					Body:       io.NopCloser(strings.NewReader("replacement")),
				}
			}),
		}
	})

	resp, body := tp.get(t, tp.proxyURL(t, backend.URL+"/", proxyurl.ResourceNone))
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if body != "replacement" {
		t.Errorf("body = %q, want replacement", body)
	}
	if ct := replaced.Load(); ct == nil || !ct.closed.Load() {
		t.Error("replaced destination body was not closed")
	}
	if m := scrapeMetrics(t, tp.Metrics); !strings.Contains(m, `hammerhead_hook_responses_total{stage="response"} 1`) {
		t.Errorf("hook response not counted:\n%s", m)
	}
}

func TestHooks_ResponseHookSeesMocks(t *testing.T) {
	tp := newTestProxy(t, func(p *Proxy) {
		p.ResponseHooks = []ResponseHook{SetResponseHeaders(map[string]string{"X-Seen": "1"})}
	})
	if err := tp.session.AddMock("http://offline.test/", &MockResponse{ContentType: "text/plain", Body: "mock"}); err != nil {
		t.Fatal(err)
	}

	resp, body := tp.get(t, tp.proxyURL(t, "http://offline.test/", proxyurl.ResourceNone))
	if body != "mock" {
		t.Errorf("body = %q, want mock", body)
	}
	if resp.Header.Get("X-Seen") != "1" {
		t.Error("response hook did not run for a mocked response")
	}
}
