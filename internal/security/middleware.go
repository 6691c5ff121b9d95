package security

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/store"
)

// KeyVerifier looks up an API key by its hash. store.Store satisfies it.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, keyHash string) (*store.APIKey, error)
}

type keyContextKey struct{}

// KeyFromContext returns the API key that authenticated the request, if any.
func KeyFromContext(ctx context.Context) (*store.APIKey, bool) {
	k, ok := ctx.Value(keyContextKey{}).(*store.APIKey)
	return k, ok
}

// AuthMiddleware rejects requests that do not carry a known API key.
type AuthMiddleware struct {
	keys KeyVerifier
	log  *zap.Logger
}

// NewAuthMiddleware returns a middleware checking keys against v.
func NewAuthMiddleware(v KeyVerifier, log *zap.Logger) *AuthMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthMiddleware{keys: v, log: log}
}

// Wrap returns a handler that serves next only for authenticated requests.
// Browsers cannot set headers on WebSocket dials, so a "token" query
// parameter is accepted as well as a bearer header.
func (a *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plain := requestKey(r)
		if plain == "" {
			unauthorized(w, "authentication required")
			return
		}
		key, err := a.keys.VerifyAPIKey(r.Context(), HashAPIKey(plain))
		if err != nil {
			a.log.Warn("api key lookup failed", zap.Error(err))
		}
		if key == nil {
			a.log.Info("rejected api key",
				zap.String("prefix", keyPrefix(plain)),
				zap.String("remote", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			unauthorized(w, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyContextKey{}, key)))
	})
}

func requestKey(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return r.URL.Query().Get("token")
}

func keyPrefix(plain string) string {
	if len(plain) > 12 {
		return plain[:12]
	}
	return plain
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="devmirror"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
