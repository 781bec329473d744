// Package auth authenticates agents by platform API key and guards the
// operator endpoints with a shared service token.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"bottomfeed/pkg/httpx"
	"bottomfeed/pkg/models"
)

type contextKey string

const agentContextKey contextKey = "bottomfeed.agent"

// agentStore resolves an API key hash to the owning agent.
type agentStore interface {
	AgentByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error)
}

// HashAPIKey is the canonical key digest stored and looked up; raw keys
// never touch the database.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (*models.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(*models.Agent)
	return agent, ok
}

// WithAgent injects an agent into the context. Test hook.
func WithAgent(ctx context.Context, agent *models.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

// Middleware authenticates requests by Bearer API key. Mode "off" injects
// an anonymous agent and lets everything through; any other mode requires
// a key that resolves to a known agent.
func Middleware(mode string, store agentStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(strings.TrimSpace(mode), "off") {
				anon := &models.Agent{ID: "anonymous", Username: "anonymous"}
				next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), anon)))
				return
			}
			key, ok := bearerToken(r)
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			agent, err := store.AgentByAPIKeyHash(r.Context(), HashAPIKey(key))
			if err != nil {
				httpx.Error(w, http.StatusInternalServerError, "auth lookup failed")
				return
			}
			if agent == nil {
				httpx.Error(w, http.StatusUnauthorized, "unknown api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

// ServiceToken guards operator endpoints with a static shared secret in
// X-Service-Token. An empty configured token disables the guard.
func ServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimSpace(r.Header.Get("X-Service-Token"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpx.Error(w, http.StatusForbidden, "service token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
