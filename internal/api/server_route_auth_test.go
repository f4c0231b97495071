package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type stubTenantStore struct {
	known map[string]bool
}

func (s *stubTenantStore) TenantExists(_ context.Context, tenantID string) (bool, error) {
	return s.known[tenantID], nil
}

func newTestServer() *Server {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	tenants := &stubTenantStore{known: map[string]bool{"tenant-1": true}}
	return NewServer(cfg, tenants, nil, nil, nil, nil, nil)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestHealthBypassesJWT(t *testing.T) {
	handler := newTestServer().Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	handler := newTestServer().Handler()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"list kbs", http.MethodGet, "/api/v1/kbs"},
		{"raptor build", http.MethodPost, "/api/v1/kbs/kb-1/raptor/build"},
		{"raptor status", http.MethodGet, "/api/v1/kbs/kb-1/raptor/status"},
		{"raptor retrieve", http.MethodPost, "/api/v1/retrieve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for protected route %s, got %d", tt.path, rr.Code)
			}
		})
	}
}

func TestJWTScopeValidation(t *testing.T) {
	handler := newTestServer().Handler()

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{
			name: "valid tenant passes auth",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"tenant_id": "tenant-1",
				"sub":       "user-1",
				"exp":       time.Now().Add(time.Hour).Unix(),
			}),
			// 鉴权通过后 nil store 触发 Recoverer，得到 500 而非 401/403
			wantCode: http.StatusInternalServerError,
		},
		{
			name: "unknown tenant rejected",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"tenant_id": "tenant-evil",
				"exp":       time.Now().Add(time.Hour).Unix(),
			}),
			wantCode: http.StatusForbidden,
		},
		{
			name: "missing tenant_id rejected",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantCode: http.StatusForbidden,
		},
		{
			name: "wrong secret rejected",
			token: signToken(t, "other-secret", jwt.MapClaims{
				"tenant_id": "tenant-1",
				"exp":       time.Now().Add(time.Hour).Unix(),
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "expired token rejected",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"tenant_id": "tenant-1",
				"exp":       time.Now().Add(-time.Hour).Unix(),
			}),
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/kbs", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d (body: %s)", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}
