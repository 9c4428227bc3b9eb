package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/config"
	"device-command-service/internal/utils"
)

func newEngine(cfg *config.SecurityConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	r := gin.New()
	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(utils.NewServiceLogger(logger, "test")))
	r.Use(AuthMiddleware(cfg, utils.NewSecurityLogger(logger)))

	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/commands", ok)
	r.POST("/commands", ok)
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func serve(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	r := newEngine(&config.SecurityConfig{})
	if rec := serve(r, http.MethodPost, "/commands", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRoles(t *testing.T) {
	secret := "test-secret"
	cfg := &config.SecurityConfig{AuthEnabled: true, JWTSecret: secret}
	r := newEngine(cfg)

	viewer, err := IssueToken("alice", RoleViewer, []byte(secret), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	operator, _ := IssueToken("bob", RoleOperator, []byte(secret), time.Hour)
	expired, _ := IssueToken("carol", RoleOperator, []byte(secret), -time.Minute)
	forged, _ := IssueToken("mallory", RoleAdmin, []byte("other-secret"), time.Hour)

	tests := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, viewer, http.StatusOK},
		{"viewer writes", http.MethodPost, viewer, http.StatusForbidden},
		{"operator writes", http.MethodPost, operator, http.StatusOK},
		{"expired", http.MethodGet, expired, http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, forged, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(r, tt.method, "/commands", tt.token); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	secret := []byte("s")
	token, _ := IssueToken("x", "root", secret, time.Hour)
	if _, err := ParseToken(token, secret); err == nil {
		t.Error("ParseToken() accepted an unknown role")
	}
}

func TestRequestIDAndRecovery(t *testing.T) {
	r := newEngine(&config.SecurityConfig{})

	req := httptest.NewRequest(http.MethodGet, "/commands", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}

	rec = serve(r, http.MethodGet, "/panic", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d, want 500", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("generated request id missing")
	}
}
