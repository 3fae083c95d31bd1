package hammerhead

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    RequestFilterRule
		wantErr bool
	}{
		{"domain", RequestFilterRule{Type: "domain", Pattern: "Example.COM"}, false},
		{"wildcard", RequestFilterRule{Type: "DOMAIN", Pattern: "*.example.com"}, false},
		{"url", RequestFilterRule{Type: "url", Pattern: "https://example.com/api"}, false},
		{"regex", RequestFilterRule{Type: "regex", Pattern: `\.js$`}, false},
		{"invalid regex", RequestFilterRule{Type: "regex", Pattern: "[invalid"}, true},
		{"unknown type", RequestFilterRule{Type: "cidr", Pattern: "10.0.0.0/8"}, true},
		{"empty pattern", RequestFilterRule{Type: "domain"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := newRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newRule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if rule.ID == "" {
				t.Error("rule ID should be assigned")
			}
		})
	}
}

func TestNewRule_KeepsID(t *testing.T) {
	rule, err := newRule(RequestFilterRule{ID: "fixed", Type: "domain", Pattern: "a.com", Method: " post "})
	if err != nil {
		t.Fatal(err)
	}
	if rule.ID != "fixed" {
		t.Errorf("ID = %q, want fixed", rule.ID)
	}
	if rule.Method != "POST" {
		t.Errorf("Method = %q, want POST", rule.Method)
	}
}

func TestRequestFilterRule_Matches(t *testing.T) {
	tests := []struct {
		name   string
		rule   RequestFilterRule
		method string
		dest   string
		want   bool
	}{
		{"domain exact", RequestFilterRule{Type: "domain", Pattern: "example.com"}, "GET", "https://example.com/x", true},
		{"domain case", RequestFilterRule{Type: "domain", Pattern: "Example.com"}, "GET", "https://EXAMPLE.com/", true},
		{"domain with port", RequestFilterRule{Type: "domain", Pattern: "example.com"}, "GET", "http://example.com:8080/", true},
		{"domain subdomain no wildcard", RequestFilterRule{Type: "domain", Pattern: "example.com"}, "GET", "https://www.example.com/", false},
		{"wildcard subdomain", RequestFilterRule{Type: "domain", Pattern: "*.example.com"}, "GET", "https://a.b.example.com/", true},
		{"wildcard apex", RequestFilterRule{Type: "domain", Pattern: "*.example.com"}, "GET", "https://example.com/", true},
		{"wildcard suffix trap", RequestFilterRule{Type: "domain", Pattern: "*.example.com"}, "GET", "https://badexample.com/", false},
		{"url prefix", RequestFilterRule{Type: "url", Pattern: "https://example.com/api"}, "GET", "https://example.com/api/v1", true},
		{"url other path", RequestFilterRule{Type: "url", Pattern: "https://example.com/api"}, "GET", "https://example.com/web", false},
		{"regex", RequestFilterRule{Type: "regex", Pattern: `\.json$`}, "GET", "https://example.com/data.json", true},
		{"method match", RequestFilterRule{Type: "domain", Pattern: "example.com", Method: "POST"}, "post", "https://example.com/", true},
		{"method mismatch", RequestFilterRule{Type: "domain", Pattern: "example.com", Method: "POST"}, "GET", "https://example.com/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := newRule(tt.rule)
			if err != nil {
				t.Fatal(err)
			}
			if got := rule.Matches(tt.method, mustURL(t, tt.dest)); got != tt.want {
				t.Errorf("Matches(%s, %s) = %v, want %v", tt.method, tt.dest, got, tt.want)
			}
		})
	}
}

func TestRequestFilterRule_Apply(t *testing.T) {
	rule := RequestFilterRule{
		SetHeaders:    map[string]string{"x-test": "1", "Accept-Language": "de"},
		RemoveHeaders: []string{"Cookie", "Accept-Language"},
	}

	h := http.Header{}
	h.Set("Cookie", "a=b")
	h.Set("Accept-Language", "en")
	h.Set("User-Agent", "ua")

	rule.Apply(h)

	if h.Get("Cookie") != "" {
		t.Error("Cookie should be removed")
	}
	if got := h.Get("X-Test"); got != "1" {
		t.Errorf("X-Test = %q, want 1", got)
	}
	if got := h.Get("Accept-Language"); got != "de" {
		t.Errorf("Accept-Language = %q, want de (set after remove)", got)
	}
	if got := h.Get("User-Agent"); got != "ua" {
		t.Errorf("User-Agent = %q, want ua", got)
	}
}

func TestRuleSet_FirstMatchWins(t *testing.T) {
	rs := NewRuleSet()
	first, _ := rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "*.example.com"})
	_, _ = rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "api.example.com"})

	rule, ok := rs.Match("GET", mustURL(t, "https://api.example.com/"))
	if !ok {
		t.Fatal("expected match")
	}
	if rule.ID != first.ID {
		t.Errorf("matched %s, want the first rule %s", rule.Pattern, first.Pattern)
	}
}

func TestRuleSet_RemoveAndClear(t *testing.T) {
	rs := NewRuleSet()
	a, _ := rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "a.com"})
	_, _ = rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "b.com"})

	if !rs.RemoveRule(a.ID) {
		t.Error("RemoveRule should report true for a known ID")
	}
	if rs.RemoveRule(a.ID) {
		t.Error("RemoveRule should report false the second time")
	}
	if rs.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rs.Count())
	}
	if _, ok := rs.Match("GET", mustURL(t, "https://a.com/")); ok {
		t.Error("removed rule should not match")
	}

	rs.Clear()
	if rs.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", rs.Count())
	}
}

func TestRuleSet_RulesSnapshot(t *testing.T) {
	rs := NewRuleSet()
	_, _ = rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "a.com"})

	snap := rs.Rules()
	_, _ = rs.AddRule(RequestFilterRule{Type: "domain", Pattern: "b.com"})

	if len(snap) != 1 {
		t.Errorf("snapshot changed to %d rules", len(snap))
	}
}

// ---------------------------------------------------------------------------
// Loaders
// ---------------------------------------------------------------------------

func TestCSVLoader_LoadFromReader(t *testing.T) {
	csv := `type,pattern,method,set_headers,remove_headers,mock_status,mock_content_type,mock_body
domain,example.com,,X-Test: 1;X-Run: abc,Cookie;Referer
url,https://api.example.com/flags,GET,,,200,application/json,"{""beta"": true}"
# disabled
regex,\.png$`

	loader := &CSVLoader{HasHeader: true}
	rules, err := loader.LoadFromReader(context.Background(), strings.NewReader(csv))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("loaded %d rules, want 3", len(rules))
	}

	if got := rules[0].SetHeaders["X-Run"]; got != "abc" {
		t.Errorf("SetHeaders[X-Run] = %q, want abc", got)
	}
	if len(rules[0].RemoveHeaders) != 2 {
		t.Errorf("RemoveHeaders = %v, want 2 entries", rules[0].RemoveHeaders)
	}

	mock := rules[1].Mock
	if mock == nil {
		t.Fatal("expected mock on rule 2")
	}
	if mock.StatusCode != 200 || mock.ContentType != "application/json" || mock.Body != `{"beta": true}` {
		t.Errorf("Mock = %+v", mock)
	}
	if rules[1].Method != "GET" {
		t.Errorf("Method = %q, want GET", rules[1].Method)
	}

	if rules[2].Type != "regex" || rules[2].Mock != nil {
		t.Errorf("rule 3 = %+v", rules[2])
	}
}

func TestCSVLoader_LoadFromReader_NoHeader(t *testing.T) {
	loader := &CSVLoader{HasHeader: false}
	rules, err := loader.LoadFromReader(context.Background(), strings.NewReader("domain,a.com\ndomain,b.com\n"))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if len(rules) != 2 {
		t.Errorf("loaded %d rules, want 2", len(rules))
	}
}

func TestCSVLoader_LoadFromReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"invalid type", "ip,10.0.0.1"},
		{"too few fields", "domain"},
		{"empty pattern", "domain,"},
		{"bad header pair", "domain,a.com,,no-colon"},
		{"bad mock status", "domain,a.com,,,,abc"},
		{"mock status range", "domain,a.com,,,,42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &CSVLoader{}
			if _, err := loader.LoadFromReader(context.Background(), strings.NewReader(tt.csv)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCSVLoader_LoadFromReader_ContextCanceled(t *testing.T) {
	loader := &CSVLoader{HasHeader: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := loader.LoadFromReader(ctx, strings.NewReader("type,pattern\ndomain,a.com\n")); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestNewCSVLoader(t *testing.T) {
	loader := NewCSVLoader("/path/to/file.csv")

	if loader.Path != "/path/to/file.csv" {
		t.Errorf("Path = %s, want /path/to/file.csv", loader.Path)
	}
	if !loader.HasHeader {
		t.Error("expected HasHeader to be true by default")
	}
}

func TestCSVLoader_MissingFile(t *testing.T) {
	if _, err := NewCSVLoader("/nonexistent/rules.csv").Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMultiLoader(t *testing.T) {
	multi := NewMultiLoader(
		NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "a.com"}),
		NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "b.com"}),
	)

	rules, err := multi.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rules) != 2 {
		t.Errorf("loaded %d rules, want 2", len(rules))
	}
}

func TestMultiLoader_Error(t *testing.T) {
	multi := NewMultiLoader(
		NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "a.com"}),
		RuleLoaderFunc(func(context.Context) ([]RequestFilterRule, error) {
			return nil, context.DeadlineExceeded
		}),
	)

	if _, err := multi.Load(context.Background()); err == nil {
		t.Error("expected error from failing loader")
	}
}

func TestURLLoader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("type,pattern\ndomain,example.com\n"))
	}))
	defer server.Close()

	rules, err := NewURLLoader(server.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "example.com" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestURLLoader_Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("type,pattern\ndomain,example.com\n"))
	}))
	defer server.Close()

	loader := NewURLLoader(server.URL)
	rules, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("loaded %d rules, want 1", len(rules))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestURLLoader_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	loader := NewURLLoader(server.URL)
	loader.RetryMax = 0

	if _, err := loader.Load(context.Background()); err == nil {
		t.Error("expected error for bad status")
	}
}

func TestParseDomainList(t *testing.T) {
	input := `# Comment line
example.com
api.example.com

# Another comment
*.tracking.example`

	headers := map[string]string{"DNT": "1"}
	rules, err := ParseDomainList(strings.NewReader(input), headers)
	if err != nil {
		t.Fatalf("ParseDomainList failed: %v", err)
	}

	want := []string{"example.com", "api.example.com", "*.tracking.example"}
	if len(rules) != len(want) {
		t.Fatalf("parsed %d rules, want %d", len(rules), len(want))
	}
	for i, rule := range rules {
		if rule.Type != "domain" {
			t.Errorf("rule %d: Type = %s, want domain", i, rule.Type)
		}
		if rule.Pattern != want[i] {
			t.Errorf("rule %d: Pattern = %q, want %q", i, rule.Pattern, want[i])
		}
		if rule.SetHeaders["DNT"] != "1" {
			t.Errorf("rule %d: SetHeaders = %v", i, rule.SetHeaders)
		}
	}
}

// ---------------------------------------------------------------------------
// ReloadableFilter
// ---------------------------------------------------------------------------

func TestReloadableFilter(t *testing.T) {
	filter := NewReloadableFilter(NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "example.com"}))
	dest := mustURL(t, "https://example.com/")

	if _, ok := filter.Match("GET", dest); ok {
		t.Error("should not match before loading")
	}

	if err := filter.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, ok := filter.Match("GET", dest); !ok {
		t.Error("should match after loading")
	}
	if filter.Count() != 1 {
		t.Errorf("Count() = %d, want 1", filter.Count())
	}
}

func TestReloadableFilter_NilLoader(t *testing.T) {
	filter := NewReloadableFilter(nil)
	if err := filter.Load(context.Background()); err != nil {
		t.Errorf("Load with nil loader = %v, want nil", err)
	}
	if filter.Count() != 0 {
		t.Errorf("Count() = %d, want 0", filter.Count())
	}
}

func TestReloadableFilter_RuntimeRulesFirst(t *testing.T) {
	filter := NewReloadableFilter(NewStaticLoader(RequestFilterRule{
		Type: "domain", Pattern: "example.com", SetHeaders: map[string]string{"X-Source": "loaded"},
	}))
	if err := filter.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	runtime, err := filter.AddRule(RequestFilterRule{
		Type: "domain", Pattern: "example.com", SetHeaders: map[string]string{"X-Source": "runtime"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rule, ok := filter.Match("GET", mustURL(t, "https://example.com/"))
	if !ok || rule.ID != runtime.ID {
		t.Errorf("Match = %+v, want the runtime rule", rule)
	}

	rules := filter.Rules()
	if len(rules) != 2 || rules[0].ID != runtime.ID {
		t.Errorf("Rules() order wrong: %+v", rules)
	}
}

func TestReloadableFilter_ReloadKeepsRuntimeRules(t *testing.T) {
	filter := NewReloadableFilter(NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "a.com"}))
	if err := filter.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	added, _ := filter.AddRule(RequestFilterRule{Type: "domain", Pattern: "b.com"})

	loaded := filter.Rules()[1]
	if !filter.RemoveRule(loaded.ID) {
		t.Fatal("RemoveRule should remove a loaded rule")
	}
	if filter.Count() != 1 {
		t.Errorf("Count() = %d, want 1", filter.Count())
	}

	if err := filter.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if filter.Count() != 2 {
		t.Errorf("Count() after reload = %d, want 2", filter.Count())
	}
	if _, ok := filter.Match("GET", mustURL(t, "https://b.com/")); !ok {
		t.Errorf("runtime rule %s lost on reload", added.ID)
	}
}

func TestReloadableFilter_InvalidRuleKeepsPrevious(t *testing.T) {
	var bad atomic.Bool
	loader := RuleLoaderFunc(func(context.Context) ([]RequestFilterRule, error) {
		if bad.Load() {
			return []RequestFilterRule{{Type: "regex", Pattern: "[broken"}}, nil
		}
		return []RequestFilterRule{{Type: "domain", Pattern: "a.com"}}, nil
	})

	filter := NewReloadableFilter(loader)
	if err := filter.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var errCount int
	filter.OnError = func(error) { errCount++ }
	bad.Store(true)

	if err := filter.Load(context.Background()); err == nil {
		t.Error("expected error for invalid rule")
	}
	if errCount != 1 {
		t.Errorf("OnError called %d times, want 1", errCount)
	}
	if _, ok := filter.Match("GET", mustURL(t, "https://a.com/")); !ok {
		t.Error("previous rules should survive a failed reload")
	}
}

func TestReloadableFilter_Callbacks(t *testing.T) {
	filter := NewReloadableFilter(NewStaticLoader(RequestFilterRule{Type: "domain", Pattern: "a.com"}))

	reloadCalled := false
	filter.OnReload = func(count int) {
		reloadCalled = true
		if count != 1 {
			t.Errorf("OnReload count = %d, want 1", count)
		}
	}

	_ = filter.Load(context.Background())

	if !reloadCalled {
		t.Error("OnReload callback not called")
	}
}

func TestReloadableFilter_ErrorCallback(t *testing.T) {
	filter := NewReloadableFilter(RuleLoaderFunc(func(ctx context.Context) ([]RequestFilterRule, error) {
		return nil, context.DeadlineExceeded
	}))

	errorCalled := false
	filter.OnError = func(err error) {
		errorCalled = true
	}

	_ = filter.Load(context.Background())

	if !errorCalled {
		t.Error("OnError callback not called")
	}
}

func TestReloadableFilter_AutoReload(t *testing.T) {
	var loadCount atomic.Int32
	filter := NewReloadableFilter(RuleLoaderFunc(func(ctx context.Context) ([]RequestFilterRule, error) {
		loadCount.Add(1)
		return []RequestFilterRule{{Type: "domain", Pattern: "test.com"}}, nil
	}))

	cancel := filter.StartAutoReload(context.Background(), 50*time.Millisecond)
	defer cancel()

	time.Sleep(200 * time.Millisecond)

	if loadCount.Load() < 2 {
		t.Errorf("expected multiple loads, got %d", loadCount.Load())
	}
}

func BenchmarkRuleSet_Match_Domain(b *testing.B) {
	rs := NewRuleSet()
	for i := range 100 {
		_, _ = rs.AddRule(RequestFilterRule{Type: "domain", Pattern: strings.Repeat("a", i+1) + ".com"})
	}
	dest := mustURL(b, "https://nomatch.com/")

	b.ResetTimer()
	for b.Loop() {
		rs.Match("GET", dest)
	}
}

func BenchmarkCSVLoader_Parse(b *testing.B) {
	csv := `type,pattern,method,set_headers
domain,a.com,,X-A: 1
domain,b.com,,X-B: 1
url,http://d.com,GET,
regex,.*e.*,,`

	loader := &CSVLoader{HasHeader: true}

	b.ResetTimer()
	for b.Loop() {
		_, _ = loader.LoadFromReader(context.Background(), strings.NewReader(csv))
	}
}
