package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestProtectedRoutesRequireJWT(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"turn", http.MethodPost, "/api/v1/conversations/alice/turns"},
		{"memory", http.MethodGet, "/api/v1/conversations/alice/memory"},
		{"reset", http.MethodDelete, "/api/v1/conversations/alice"},
		{"likert", http.MethodPost, "/api/v1/evaluations/likert"},
		{"list evaluations", http.MethodGet, "/api/v1/evaluations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()

			ts.handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for %s %s, got %d", tt.method, tt.path, rr.Code)
			}
		})
	}
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health = %d", rr.Code)
	}
}

func TestTokenValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", signToken(t, testSecret, jwt.MapClaims{"sub": "alice"}), http.StatusOK},
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "alice"}), http.StatusUnauthorized},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"missing sub", signToken(t, testSecret, jwt.MapClaims{"name": "alice"}), http.StatusForbidden},
		{"other participant", signToken(t, testSecret, jwt.MapClaims{"sub": "bob"}), http.StatusForbidden},
		{"malformed", "not-a-jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/alice/memory", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rr := httptest.NewRecorder()

			ts.handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestIssuerIsEnforcedWhenConfigured(t *testing.T) {
	ts := newTestServer(t, func(cfg *ServerConfig) { cfg.JWTIssuer = "maia-study" })

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   int
	}{
		{"matching issuer", jwt.MapClaims{"sub": "alice", "iss": "maia-study"}, http.StatusOK},
		{"missing issuer", jwt.MapClaims{"sub": "alice"}, http.StatusUnauthorized},
		{"wrong issuer", jwt.MapClaims{"sub": "alice", "iss": "someone-else"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/alice/memory", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, tt.claims))
			rr := httptest.NewRecorder()
			ts.handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBuildRouterRequiresSecret(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	if _, err := s.buildRouter(); err == nil {
		t.Fatal("expected error without JWT secret")
	}
}
