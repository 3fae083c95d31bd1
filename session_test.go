package hammerhead

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

func newTestRegistry() *SessionRegistry {
	r := NewSessionRegistry()
	r.Logger = discardLogger()
	return r
}

func TestSessionRegistry_OpenGetClose(t *testing.T) {
	r := newTestRegistry()
	r.Metrics = NewMetrics()

	s, err := r.Open("s1", SessionConfig{InjectedScripts: []string{"/a.js"}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := r.Get("s1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if m := scrapeMetrics(t, r.Metrics); !strings.Contains(m, "hammerhead_active_sessions 1") {
		t.Error("active sessions gauge not set")
	}

	if err := r.Close("s1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.Closed() {
		t.Error("session not marked closed")
	}
	if _, err := r.Get("s1"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Get after close = %v, want ErrSessionClosed", err)
	}
	if err := r.Close("s1"); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := r.Close("never"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Close unknown = %v, want ErrSessionNotFound", err)
	}
	if _, err := r.Get("never"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionRegistry_OpenErrors(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Open("dup", SessionConfig{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		cfg  SessionConfig
		want error
	}{
		{"duplicate", "dup", SessionConfig{}, ErrDuplicateSession},
		{"bang in id", "a!b", SessionConfig{}, nil},
		{"slash in id", "a/b", SessionConfig{}, nil},
		{"space in id", "a b", SessionConfig{}, nil},
		{"bad rule", "ok", SessionConfig{Rules: []RequestFilterRule{{Type: "glob", Pattern: "*"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Open(tt.id, tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSessionRegistry_GeneratedID(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Open("", SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ID) != 36 {
		t.Errorf("generated ID = %q, want a UUID", s.ID)
	}
}

func TestSessionRegistry_ReopenIsFresh(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Open("s1", SessionConfig{})
	if err := s.AddMock("http://example.com/", &MockResponse{Body: "x"}); err != nil {
		t.Fatal(err)
	}
	_ = r.Close("s1")

	if err := s.AddMock("http://example.com/b", &MockResponse{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("AddMock on closed session = %v, want ErrSessionClosed", err)
	}
	if _, err := s.AddRule(RequestFilterRule{Type: "domain", Pattern: "a.com"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("AddRule on closed session = %v, want ErrSessionClosed", err)
	}

	s2, err := r.Open("s1", SessionConfig{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2 == s {
		t.Fatal("reopen returned the old session")
	}
	if _, ok := s2.Mock("http://example.com/"); ok {
		t.Error("reopened session kept old mocks")
	}
}

func TestSessionRegistry_ListSorted(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Open(id, SessionConfig{}); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Errorf("List = %+v", list)
	}

	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("Count after CloseAll = %d", r.Count())
	}
}

func TestSession_Rules(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Open("s1", SessionConfig{Rules: []RequestFilterRule{{Type: "domain", Pattern: "a.com"}}})
	if err != nil {
		t.Fatal(err)
	}
	rule, err := s.AddRule(RequestFilterRule{ID: "second", Type: "url", Pattern: "https://b.com/x"})
	if err != nil {
		t.Fatal(err)
	}
	if rule.ID != "second" {
		t.Errorf("ID = %q", rule.ID)
	}

	rules := s.Rules()
	if len(rules) != 2 || rules[1].ID != "second" {
		t.Fatalf("Rules = %v", rules)
	}
	if rules[0].ID == "" {
		t.Error("config rule did not get an ID")
	}

	if !s.RemoveRule("second") {
		t.Error("RemoveRule returned false")
	}
	if s.RemoveRule("second") {
		t.Error("second RemoveRule returned true")
	}
	if len(s.Rules()) != 1 {
		t.Errorf("Rules after remove = %d", len(s.Rules()))
	}
}

func TestSession_MocksNormalized(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Open("s1", SessionConfig{})

	if err := s.AddMock("HTTP://Example.COM:80/a", &MockResponse{Body: "a"}); err != nil {
		t.Fatal(err)
	}
	m, ok := s.Mock("http://example.com/a")
	if !ok || m.Body != "a" {
		t.Fatalf("Mock = %v, %v", m, ok)
	}
	if err := s.AddMock("ftp://example.com/", &MockResponse{}); err == nil {
		t.Error("expected error for non-http mock")
	}
	if !s.RemoveMock("http://example.com:80/a") {
		t.Error("RemoveMock returned false")
	}
	if s.RemoveMock("http://example.com/a") {
		t.Error("second RemoveMock returned true")
	}
}

func TestSession_InjectedScripts(t *testing.T) {
	r := newTestRegistry()
	scripts := []string{"/a.js"}
	s, _ := r.Open("s1", SessionConfig{InjectedScripts: scripts})
	scripts[0] = "/mutated.js"

	if got := s.InjectedScripts(); len(got) != 1 || got[0] != "/a.js" {
		t.Errorf("InjectedScripts = %v", got)
	}
	s.SetInjectedScripts([]string{"/b.js", "/c.js"})
	if got := s.info().InjectedScripts; len(got) != 2 {
		t.Errorf("info scripts = %v", got)
	}
}

func TestSessionRegistry_DefaultScripts(t *testing.T) {
	r := newTestRegistry()
	r.DefaultScripts = []string{"/driver.js"}

	s, _ := r.Open("s1", SessionConfig{InjectedScripts: []string{"/a.js"}})
	got := s.InjectedScripts()
	if len(got) != 2 || got[0] != "/driver.js" || got[1] != "/a.js" {
		t.Errorf("InjectedScripts = %v, want [/driver.js /a.js]", got)
	}

	plain, _ := r.Open("s2", SessionConfig{})
	if got := plain.InjectedScripts(); len(got) != 1 {
		t.Errorf("InjectedScripts = %v, want [/driver.js]", got)
	}
}

func TestSession_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Open("s1", SessionConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_, _ = s.AddRule(RequestFilterRule{Type: "domain", Pattern: "a.com"})
			case 1:
				_ = s.Rules()
			case 2:
				_ = s.AddMock("http://example.com/", &MockResponse{})
			case 3:
				_, _ = s.Mock("http://example.com/")
			}
		}(i)
	}
	wg.Wait()
}

func TestMockResponse_Response(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	m := &MockResponse{
		ContentType: "application/json",
		Headers:     map[string]string{"x-flag": "on"},
		Body:        `{"ok":true}`,
	}
	resp := m.Response(req)

	if resp.StatusCode != http.StatusOK || resp.Status != "200 OK" {
		t.Errorf("status = %d %q", resp.StatusCode, resp.Status)
	}
	if resp.Header.Get("X-Flag") != "on" || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("headers = %v", resp.Header)
	}
	if resp.ContentLength != int64(len(m.Body)) || resp.Header.Get("Content-Length") != "11" {
		t.Errorf("length = %d / %q", resp.ContentLength, resp.Header.Get("Content-Length"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != m.Body {
		t.Errorf("body = %q", body)
	}
	if resp.Request != req {
		t.Error("Request not set")
	}
}
