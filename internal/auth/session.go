package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

const (
	CookieName = "beacon_session"
	DefaultTTL = 12 * time.Hour
)

type session struct {
	account Account
	expires time.Time
}

// Sessions holds issued session tokens in memory. Tokens do not survive a
// restart.
type Sessions struct {
	mu    sync.Mutex
	m     map[string]session
	ttl   time.Duration
	clock timeutil.Clock
}

func NewSessions(ttl time.Duration, clock timeutil.Clock) *Sessions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sessions{m: make(map[string]session), ttl: ttl, clock: clock}
}

// Create issues a token for a.
func (s *Sessions) Create(a Account) (token string, expires time.Time) {
	token = uuid.NewString()
	expires = s.clock.Now().Add(s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[token] = session{account: a, expires: expires}
	s.pruneLocked()
	return token, expires
}

// Lookup returns the account of a live token.
func (s *Sessions) Lookup(token string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[token]
	if !ok {
		return Account{}, false
	}
	if !s.clock.Now().Before(sess.expires) {
		delete(s.m, token)
		return Account{}, false
	}
	return sess.account, true
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
}

// Len returns the number of stored sessions, expired ones included.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Sessions) pruneLocked() {
	now := s.clock.Now()
	for t, sess := range s.m {
		if !now.Before(sess.expires) {
			delete(s.m, t)
		}
	}
}

type ctxKey struct{}

// AccountFrom returns the account attached by Middleware.
func AccountFrom(ctx context.Context) (Account, bool) {
	a, ok := ctx.Value(ctxKey{}).(Account)
	return a, ok
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware rejects requests without a live session, except for the
// exempt paths.
func (s *Sessions) Middleware(next http.Handler, exempt ...string) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		a, ok := s.Lookup(tokenFrom(r))
		if !ok {
			httputil.Unauthorized(w, "login required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, a)))
	})
}

// LoginHandler checks credentials with auth and issues a session cookie.
func (s *Sessions) LoginHandler(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		identity, password, err := credentials(r)
		if err != nil {
			httputil.BadRequest(w, "invalid login request")
			return
		}
		a, err := auth.Authenticate(r.Context(), identity, password)
		if errors.Is(err, ErrInvalidCredentials) {
			monitoring.Logf("login rejected for %q", identity)
			httputil.Unauthorized(w, "invalid credentials")
			return
		}
		if err != nil {
			monitoring.Logf("login failed: %v", err)
			httputil.WriteJSONError(w, http.StatusBadGateway, "authentication service unavailable")
			return
		}

		token, expires := s.Create(a)
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(s.ttl / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
		httputil.WriteJSONOK(w, map[string]interface{}{
			"account": a,
			"token":   token,
			"expires": expires,
		})
	}
}

// LogoutHandler revokes the caller's session.
func (s *Sessions) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if t := tokenFrom(r); t != "" {
		s.Revoke(t)
	}
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
