package hammerhead

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// RequestFilterRule matches destination requests and mutates them before
// they are sent, or answers them with a mock.
type RequestFilterRule struct {
	ID string `json:"id" mapstructure:"id"`

	// Type of rule: "domain", "url", "regex"
	Type string `json:"type" mapstructure:"type"`

	// Pattern is the matching pattern (domain, URL prefix, or regex).
	// Domains may start with "*." to match subdomains.
	Pattern string `json:"pattern" mapstructure:"pattern"`

	// Method restricts the rule to one HTTP method (optional).
	Method string `json:"method,omitempty" mapstructure:"method"`

	SetHeaders    map[string]string `json:"set_headers,omitempty" mapstructure:"set_headers"`
	RemoveHeaders []string          `json:"remove_headers,omitempty" mapstructure:"remove_headers"`

	// Mock answers the request without a network fetch (optional).
	Mock *MockResponse `json:"mock,omitempty" mapstructure:"mock"`

	compiledRegex *regexp.Regexp
}

// newRule validates r and returns a compiled copy with an ID.
func newRule(r RequestFilterRule) (*RequestFilterRule, error) {
	rule := r
	rule.Type = strings.ToLower(strings.TrimSpace(rule.Type))
	rule.Method = strings.ToUpper(strings.TrimSpace(rule.Method))
	if rule.Pattern == "" {
		return nil, fmt.Errorf("rule pattern cannot be empty")
	}
	switch rule.Type {
	case "domain":
		rule.Pattern = strings.ToLower(rule.Pattern)
	case "url":
		rule.Pattern = strings.ToLower(rule.Pattern)
	case "regex":
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", rule.Pattern, err)
		}
		rule.compiledRegex = compiled
	default:
		return nil, fmt.Errorf("unknown rule type: %s", rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return &rule, nil
}

// Matches reports whether the rule applies to a request for dest.
func (r *RequestFilterRule) Matches(method string, dest *url.URL) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	switch r.Type {
	case "domain":
		host := strings.ToLower(dest.Hostname())
		if pattern, ok := strings.CutPrefix(r.Pattern, "*."); ok {
			return host == pattern || strings.HasSuffix(host, "."+pattern)
		}
		return host == r.Pattern
	case "url":
		return strings.HasPrefix(strings.ToLower(dest.String()), r.Pattern)
	case "regex":
		return r.compiledRegex != nil && r.compiledRegex.MatchString(dest.String())
	}
	return false
}

// Apply mutates the headers of a destination request.
func (r *RequestFilterRule) Apply(h http.Header) {
	for _, name := range r.RemoveHeaders {
		h.Del(name)
	}
	for name, value := range r.SetHeaders {
		h.Set(name, value)
	}
}

// RuleSet is an ordered collection of request filter rules. The first
// matching rule wins.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*RequestFilterRule
}

// NewRuleSet creates a new empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// AddRule validates and appends a rule to the set.
func (rs *RuleSet) AddRule(r RequestFilterRule) (*RequestFilterRule, error) {
	rule, err := newRule(r)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rule)
	return rule, nil
}

// RemoveRule removes the rule with the given ID.
func (rs *RuleSet) RemoveRule(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, r := range rs.rules {
		if r.ID == id {
			rs.rules = append(rs.rules[:i:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the rules in evaluation order.
func (rs *RuleSet) Rules() []*RequestFilterRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]*RequestFilterRule(nil), rs.rules...)
}

// Match returns the first rule that matches.
func (rs *RuleSet) Match(method string, dest *url.URL) (*RequestFilterRule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return matchRules(rs.rules, method, dest)
}

func matchRules(rules []*RequestFilterRule, method string, dest *url.URL) (*RequestFilterRule, bool) {
	for _, r := range rules {
		if r.Matches(method, dest) {
			return r, true
		}
	}
	return nil, false
}

// Clear removes all rules from the set.
func (rs *RuleSet) Clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = nil
}

// Count returns the total number of rules in the set.
func (rs *RuleSet) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// RuleLoader defines the interface for loading rules from various sources.
type RuleLoader interface {
	// Load reads rules from the source and returns them.
	Load(ctx context.Context) ([]RequestFilterRule, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]RequestFilterRule, error)

// Load calls the underlying function to load rules.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]RequestFilterRule, error) {
	return f(ctx)
}

// ReloadableFilter holds the global request filter rules. Rules from the
// loader are replaced on every reload; rules added at runtime are kept and
// evaluated first.
type ReloadableFilter struct {
	loader RuleLoader

	mu      sync.RWMutex
	loaded  *RuleSet
	runtime *RuleSet

	// OnReload is called after successful reload with the rule count
	OnReload func(count int)

	// OnError is called when reload fails
	OnError func(err error)
}

// NewReloadableFilter creates a new filter that can reload rules from a
// loader. loader may be nil for a filter managed only at runtime.
func NewReloadableFilter(loader RuleLoader) *ReloadableFilter {
	return &ReloadableFilter{
		loader:  loader,
		loaded:  NewRuleSet(),
		runtime: NewRuleSet(),
	}
}

// Load loads rules from the configured loader, replacing the loaded rules.
func (rf *ReloadableFilter) Load(ctx context.Context) error {
	if rf.loader == nil {
		return nil
	}
	rules, err := rf.loader.Load(ctx)
	if err != nil {
		if rf.OnError != nil {
			rf.OnError(err)
		}
		return err
	}

	next := NewRuleSet()
	for _, rule := range rules {
		if _, err := next.AddRule(rule); err != nil {
			if rf.OnError != nil {
				rf.OnError(err)
			}
			return err
		}
	}

	rf.mu.Lock()
	rf.loaded = next
	rf.mu.Unlock()

	if rf.OnReload != nil {
		rf.OnReload(rf.Count())
	}

	return nil
}

// StartAutoReload starts a goroutine that reloads rules at the specified interval.
// Returns a cancel function to stop the reload goroutine.
func (rf *ReloadableFilter) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = rf.Load(ctx)
			}
		}
	}()

	return cancel
}

// AddRule adds a runtime rule.
func (rf *ReloadableFilter) AddRule(r RequestFilterRule) (*RequestFilterRule, error) {
	return rf.runtime.AddRule(r)
}

// RemoveRule removes a runtime or loaded rule by ID. A removed loaded rule
// comes back on the next reload.
func (rf *ReloadableFilter) RemoveRule(id string) bool {
	if rf.runtime.RemoveRule(id) {
		return true
	}
	rf.mu.RLock()
	loaded := rf.loaded
	rf.mu.RUnlock()
	return loaded.RemoveRule(id)
}

// Rules returns the runtime rules followed by the loaded rules.
func (rf *ReloadableFilter) Rules() []*RequestFilterRule {
	rf.mu.RLock()
	loaded := rf.loaded
	rf.mu.RUnlock()
	return append(rf.runtime.Rules(), loaded.Rules()...)
}

// Match returns the first matching global rule.
func (rf *ReloadableFilter) Match(method string, dest *url.URL) (*RequestFilterRule, bool) {
	if r, ok := rf.runtime.Match(method, dest); ok {
		return r, true
	}
	rf.mu.RLock()
	loaded := rf.loaded
	rf.mu.RUnlock()
	return loaded.Match(method, dest)
}

// Count returns the current number of rules.
func (rf *ReloadableFilter) Count() int {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.runtime.Count() + rf.loaded.Count()
}

// CSVLoader loads rules from a CSV file.
// Expected CSV format:
//
//	type,pattern,method,set_headers,remove_headers,mock_status,mock_content_type,mock_body
//
// set_headers is "Name: value" pairs separated by ";", remove_headers is a
// ";" separated list. Everything after pattern is optional.
type CSVLoader struct {
	// Path to the CSV file
	Path string

	// HasHeader indicates if the first row is a header (skipped)
	HasHeader bool
}

// NewCSVLoader creates a new CSV loader for the given file path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{
		Path:      path,
		HasHeader: true,
	}
}

// Load implements RuleLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]RequestFilterRule, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader loads rules from an io.Reader (useful for testing).
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]RequestFilterRule, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rules []RequestFilterRule
	lineNum := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++

		// Skip header
		if lineNum == 1 && l.HasHeader {
			continue
		}

		// Skip empty lines
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		rule, err := parseRecord(record, lineNum)
		if err != nil {
			return nil, err
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

func parseRecord(record []string, lineNum int) (RequestFilterRule, error) {
	if len(record) < 2 {
		return RequestFilterRule{}, fmt.Errorf("line %d: expected at least 2 fields (type, pattern)", lineNum)
	}

	field := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	ruleType := strings.ToLower(field(0))
	pattern := field(1)

	if ruleType == "" || pattern == "" {
		return RequestFilterRule{}, fmt.Errorf("line %d: type and pattern cannot be empty", lineNum)
	}

	switch ruleType {
	case "domain", "url", "regex":
	default:
		return RequestFilterRule{}, fmt.Errorf("line %d: invalid rule type %q (expected domain, url, or regex)", lineNum, ruleType)
	}

	rule := RequestFilterRule{
		Type:    ruleType,
		Pattern: pattern,
		Method:  field(2),
	}

	if v := field(3); v != "" {
		rule.SetHeaders = make(map[string]string)
		for _, pair := range strings.Split(v, ";") {
			name, value, ok := strings.Cut(pair, ":")
			if !ok {
				return RequestFilterRule{}, fmt.Errorf("line %d: header %q must be \"Name: value\"", lineNum, pair)
			}
			rule.SetHeaders[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if v := field(4); v != "" {
		for _, name := range strings.Split(v, ";") {
			if name = strings.TrimSpace(name); name != "" {
				rule.RemoveHeaders = append(rule.RemoveHeaders, name)
			}
		}
	}
	if v := field(5); v != "" {
		status, err := strconv.Atoi(v)
		if err != nil || status < 100 || status > 999 {
			return RequestFilterRule{}, fmt.Errorf("line %d: invalid mock status %q", lineNum, v)
		}
		rule.Mock = &MockResponse{
			StatusCode:  status,
			ContentType: field(6),
			Body:        field(7),
		}
	}

	return rule, nil
}

// MultiLoader combines multiple loaders into one.
type MultiLoader struct {
	Loaders []RuleLoader
}

// NewMultiLoader creates a loader that combines rules from multiple sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]RequestFilterRule, error) {
	var allRules []RequestFilterRule

	for i, loader := range m.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		allRules = append(allRules, rules...)
	}

	return allRules, nil
}

// URLLoader loads rules from an HTTP endpoint, retrying transient failures.
// Expects the same CSV format as CSVLoader.
type URLLoader struct {
	// URL to fetch rules from
	URL string

	// HTTPClient is the underlying client (uses a pooled client if nil)
	HTTPClient *http.Client

	// RetryMax is the number of retries after the first attempt
	RetryMax int

	// HasHeader indicates if the first row is a header
	HasHeader bool

	Logger *slog.Logger
}

// NewURLLoader creates a loader that fetches rules from a URL.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{
		URL:       endpoint,
		RetryMax:  3,
		HasHeader: true,
	}
}

func (l *URLLoader) client() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = l.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if l.HTTPClient != nil {
		client.HTTPClient = l.HTTPClient
	}
	if l.Logger != nil {
		client.Logger = l.Logger
	} else {
		client.Logger = nil
	}
	return client
}

// Load implements RuleLoader.
func (l *URLLoader) Load(ctx context.Context) ([]RequestFilterRule, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := l.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	csvLoader := &CSVLoader{HasHeader: l.HasHeader}
	return csvLoader.LoadFromReader(ctx, resp.Body)
}

// StaticLoader returns a fixed set of rules.
// Useful for testing or combining with other loaders.
type StaticLoader struct {
	Rules []RequestFilterRule
}

// NewStaticLoader creates a loader with a fixed set of rules.
func NewStaticLoader(rules ...RequestFilterRule) *StaticLoader {
	return &StaticLoader{Rules: rules}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]RequestFilterRule, error) {
	return l.Rules, nil
}

// ParseDomainList parses a list of domains (one per line) into rules that
// set the given headers. Supports comments (lines starting with #) and
// empty lines.
func ParseDomainList(r io.Reader, setHeaders map[string]string) ([]RequestFilterRule, error) {
	var rules []RequestFilterRule
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rules = append(rules, RequestFilterRule{
			Type:       "domain",
			Pattern:    line,
			SetHeaders: setHeaders,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}
