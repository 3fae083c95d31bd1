package hammerhead

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// SessionConfig configures a new session.
type SessionConfig struct {
	// InjectedScripts are script URLs inserted into every HTML page.
	InjectedScripts []string `json:"injected_scripts,omitempty"`

	// Credentials answer authentication challenges from destinations.
	Credentials *Credentials `json:"credentials,omitempty"`

	// CredentialsProvider is asked when Credentials is nil.
	CredentialsProvider CredentialsProvider `json:"-"`

	// Rules are request filter rules evaluated before the global rules.
	Rules []RequestFilterRule `json:"rules,omitempty"`
}

// Session is the state of one testing session.
type Session struct {
	ID      string
	Cookies *CookieJar

	Credentials         *Credentials
	CredentialsProvider CredentialsProvider

	created time.Time

	mu              sync.RWMutex
	rules           []*RequestFilterRule
	injectedScripts []string
	mocks           map[string]*MockResponse
	closed          bool
}

func newSession(id string, cfg SessionConfig) (*Session, error) {
	jar, err := NewCookieJar()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:                  id,
		Cookies:             jar,
		Credentials:         cfg.Credentials,
		CredentialsProvider: cfg.CredentialsProvider,
		created:             time.Now(),
		injectedScripts:     append([]string(nil), cfg.InjectedScripts...),
		mocks:               make(map[string]*MockResponse),
	}
	for _, r := range cfg.Rules {
		if _, err := s.AddRule(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Created returns when the session was opened.
func (s *Session) Created() time.Time { return s.created }

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// AddRule compiles and appends a request filter rule. It returns the stored
// rule, whose ID is generated when empty.
func (s *Session) AddRule(r RequestFilterRule) (*RequestFilterRule, error) {
	rule, err := newRule(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.rules = append(s.rules, rule)
	return rule, nil
}

// RemoveRule removes the rule with the given ID.
func (s *Session) RemoveRule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the session rules in evaluation order.
func (s *Session) Rules() []*RequestFilterRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RequestFilterRule(nil), s.rules...)
}

// AddMock registers an offline resource served for dest instead of a
// network fetch.
func (s *Session) AddMock(dest string, m *MockResponse) error {
	key, err := proxyurl.Normalize(dest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.mocks[key] = m
	return nil
}

// RemoveMock removes the offline resource for dest.
func (s *Session) RemoveMock(dest string) bool {
	key, err := proxyurl.Normalize(dest)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mocks[key]; !ok {
		return false
	}
	delete(s.mocks, key)
	return true
}

// Mock returns the offline resource registered for dest.
func (s *Session) Mock(dest string) (*MockResponse, bool) {
	key, err := proxyurl.Normalize(dest)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mocks[key]
	return m, ok
}

// InjectedScripts returns a snapshot of the injected script URLs.
func (s *Session) InjectedScripts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.injectedScripts...)
}

// SetInjectedScripts replaces the injected script URLs.
func (s *Session) SetInjectedScripts(scripts []string) {
	s.mu.Lock()
	s.injectedScripts = append([]string(nil), scripts...)
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Cookies.close()
}

// SessionInfo is a summary of a session for the admin API.
type SessionInfo struct {
	ID              string    `json:"id"`
	Created         time.Time `json:"created"`
	Rules           int       `json:"rules"`
	Mocks           int       `json:"mocks"`
	InjectedScripts []string  `json:"injected_scripts"`
	HasCredentials  bool      `json:"has_credentials"`
}

func (s *Session) info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:              s.ID,
		Created:         s.created,
		Rules:           len(s.rules),
		Mocks:           len(s.mocks),
		InjectedScripts: append([]string{}, s.injectedScripts...),
		HasCredentials:  s.Credentials != nil || s.CredentialsProvider != nil,
	}
}

// SessionRegistry maps session IDs to sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   map[string]time.Time

	// Logger for session lifecycle events
	Logger *slog.Logger

	// Metrics tracks the number of open sessions (optional)
	Metrics *Metrics

	// DefaultScripts are injected into every session opened afterwards,
	// ahead of the session's own scripts.
	DefaultScripts []string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		closed:   make(map[string]time.Time),
		Logger:   slog.Default(),
	}
}

func (r *SessionRegistry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Open registers a new session. An empty id is replaced with a generated
// one. Reopening a closed id is allowed.
func (r *SessionRegistry) Open(id string, cfg SessionConfig) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validSessionID(id); err != nil {
		return nil, err
	}
	if len(r.DefaultScripts) > 0 {
		cfg.InjectedScripts = append(append([]string(nil), r.DefaultScripts...), cfg.InjectedScripts...)
	}

	s, err := newSession(id, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	delete(r.closed, id)
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger().Info("session opened", "session", id)
	if r.Metrics != nil {
		r.Metrics.SetActiveSessions(n)
	}
	return s, nil
}

// Get returns the open session with the given id.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, ok := r.closed[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Close closes a session. Closing an already closed session is a no-op.
func (r *SessionRegistry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		_, wasClosed := r.closed[id]
		r.mu.Unlock()
		if wasClosed {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.closed[id] = time.Now()
	n := len(r.sessions)
	r.mu.Unlock()

	s.close()
	r.logger().Info("session closed", "session", id)
	if r.Metrics != nil {
		r.Metrics.SetActiveSessions(n)
	}
	return nil
}

// CloseAll closes every open session.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Close(id)
	}
}

// List returns the open sessions sorted by ID.
func (r *SessionRegistry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// validSessionID checks that id can be carried in a proxy URL.
func validSessionID(id string) error {
	_, err := proxyurl.Format(proxyurl.ProxyURL{
		DestURL:       "http://example.com/",
		SessionID:     id,
		ProxyHostname: "localhost",
		ProxyPort:     80,
	})
	if err != nil {
		return fmt.Errorf("session id %q: %w", id, err)
	}
	return nil
}
