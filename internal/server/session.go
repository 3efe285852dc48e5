package server

import (
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName = "recorder_session"
	sessionDuration   = 24 * time.Hour
	csrfTokenDuration = 10 * time.Minute
)

// SessionManager handles login sessions for the control surface.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]time.Time
	csrfTokens map[string]time.Time
	now        func() time.Time
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:   make(map[string]time.Time),
		csrfTokens: make(map[string]time.Time),
		now:        time.Now,
	}
}

// generateToken creates a cryptographically secure random token.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := cryptorand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// Create creates a new session and returns the token.
func (sm *SessionManager) Create() string {
	token := generateToken()
	if token == "" {
		return ""
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[token] = sm.now().Add(sessionDuration)
	return token
}

// Validate checks if a session token is valid. Expired tokens are removed.
func (sm *SessionManager) Validate(token string) bool {
	if token == "" {
		return false
	}

	sm.mu.RLock()
	expiresAt, exists := sm.sessions[token]
	sm.mu.RUnlock()
	if !exists {
		return false
	}

	if sm.now().After(expiresAt) {
		sm.Delete(token)
		return false
	}
	return true
}

// Delete removes a session token.
func (sm *SessionManager) Delete(token string) {
	if token == "" {
		return
	}
	sm.mu.Lock()
	delete(sm.sessions, token)
	sm.mu.Unlock()
}

// AuthMiddleware returns middleware that requires a valid session cookie or
// HTTP basic credentials matching username and password. Requests without
// either get 401 Unauthorized.
func (sm *SessionManager) AuthMiddleware(username, password string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cookie, err := r.Cookie(sessionCookieName); err == nil && sm.Validate(cookie.Value) {
				next(w, r)
				return
			}
			if user, pass, ok := r.BasicAuth(); ok && credentialsMatch(user, pass, username, password) {
				next(w, r)
				return
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="zwfm-recorder"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
}

// Login validates credentials and sets a session cookie if they match.
func (sm *SessionManager) Login(w http.ResponseWriter, r *http.Request, username, password, configUser, configPass string) bool {
	if !credentialsMatch(username, password, configUser, configPass) {
		return false
	}

	token := sm.Create()
	if token == "" {
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return true
}

// Logout clears the session cookie and deletes the session.
func (sm *SessionManager) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.Delete(cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

// CreateCSRFToken generates a new single-use CSRF token for the login form.
func (sm *SessionManager) CreateCSRFToken() string {
	token := generateToken()
	if token == "" {
		return ""
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	// Only clean up occasionally (roughly 10% of calls)
	if rand.IntN(10) == 0 {
		for k, expiresAt := range sm.csrfTokens {
			if now.After(expiresAt) {
				delete(sm.csrfTokens, k)
			}
		}
	}
	sm.csrfTokens[token] = now.Add(csrfTokenDuration)
	return token
}

// ValidateCSRFToken checks if a CSRF token is valid and consumes it.
func (sm *SessionManager) ValidateCSRFToken(token string) bool {
	if token == "" {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	expiresAt, exists := sm.csrfTokens[token]
	if !exists {
		return false
	}
	delete(sm.csrfTokens, token)
	return sm.now().Before(expiresAt)
}

// credentialsMatch compares in constant time.
func credentialsMatch(user, pass, wantUser, wantPass string) bool {
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userMatch && passMatch
}
