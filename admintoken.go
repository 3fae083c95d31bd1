package hammerhead

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
)

// AdminTokenHeader carries an admin token when the Authorization header is
// taken, e.g. by a page under test.
const AdminTokenHeader = "X-Hammerhead-Token"

// AdminTokens guards the admin API. While at least one token is
// registered, admin requests must present one as a bearer token or in
// [AdminTokenHeader]. With no tokens the API is open.
//
// Tokens are compared in constant time.
type AdminTokens struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewAdminTokens registers the given tokens. Empty strings are skipped.
func NewAdminTokens(tokens ...string) *AdminTokens {
	t := &AdminTokens{tokens: make(map[string]struct{})}
	for _, tok := range tokens {
		t.Add(tok)
	}
	return t
}

// Add registers a token.
func (t *AdminTokens) Add(token string) {
	if token == "" {
		return
	}
	t.mu.Lock()
	t.tokens[token] = struct{}{}
	t.mu.Unlock()
}

// Remove revokes a token.
func (t *AdminTokens) Remove(token string) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// Count returns the number of registered tokens.
func (t *AdminTokens) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}

// Generate creates a random 32-byte hex token and registers it.
func (t *AdminTokens) Generate() (string, error) {
	token, err := GenerateAdminToken()
	if err != nil {
		return "", err
	}
	t.Add(token)
	return token, nil
}

// GenerateAdminToken returns a random 32-byte hex token.
func GenerateAdminToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// Allow reports whether r may use the admin API.
func (t *AdminTokens) Allow(r *http.Request) bool {
	if t.Count() == 0 {
		return true
	}
	candidate := r.Header.Get(AdminTokenHeader)
	if candidate == "" {
		auth := r.Header.Get("Authorization")
		if scheme, tok, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			candidate = strings.TrimSpace(tok)
		}
	}
	return candidate != "" && t.match(candidate)
}

func (t *AdminTokens) match(candidate string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	found := 0
	for token := range t.tokens {
		if len(token) == len(candidate) {
			found |= subtle.ConstantTimeCompare([]byte(token), []byte(candidate))
		}
	}
	return found == 1
}
