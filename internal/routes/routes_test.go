package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/config"
	"device-command-service/internal/handler"
	"device-command-service/internal/history"
	"device-command-service/internal/metrics"
	"device-command-service/internal/middleware"
	"device-command-service/internal/processor"
	"device-command-service/internal/queue"
	"device-command-service/internal/serializer"
	"device-command-service/internal/transmitter"
	"device-command-service/internal/transport"
)

func newRouter(t *testing.T, security config.SecurityConfig) http.Handler {
	t.Helper()
	logger := zap.NewNop()

	q := queue.New(queue.DefaultConfig(), logger)
	tx := transmitter.New(serializer.New(logger), logger)
	if err := tx.Register("dev1", transport.NewSimulatedTransport("esp32", []byte("OK"))); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	proc := processor.New(processor.Config{}, q, tx, history.New(history.DefaultConfig(), logger), logger)

	bus := handler.NewEventBus(16, logger)
	go bus.Start()

	cfg := &config.Config{
		App:      config.AppConfig{Name: "device-command-service", Environment: "test"},
		Security: security,
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "test"},
	}
	r := NewRouter(cfg, logger, proc, nil, bus, metrics.New("test"))
	engine := r.SetupRouter()

	t.Cleanup(func() {
		proc.Stop()
		bus.Close()
		r.Close()
	})
	return engine
}

func get(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesWithoutAuth(t *testing.T) {
	h := newRouter(t, config.SecurityConfig{})

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/live", http.StatusOK},
		{http.MethodGet, "/api/v1/devices", http.StatusOK},
		{http.MethodGet, "/api/v1/queue/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/history/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/devices/dev1/stats", http.StatusOK},
		{http.MethodDelete, "/api/v1/commands/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/archive/devices/dev1", http.StatusNotFound},
		{http.MethodGet, "/ws/stats", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if rec := get(h, tt.method, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := get(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics status = %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("request id header missing")
	}
}

func TestRoutesWithAuth(t *testing.T) {
	secret := "route-secret"
	h := newRouter(t, config.SecurityConfig{AuthEnabled: true, JWTSecret: secret})

	viewer, _ := middleware.IssueToken("v", middleware.RoleViewer, []byte(secret), time.Hour)
	operator, _ := middleware.IssueToken("o", middleware.RoleOperator, []byte(secret), time.Hour)

	if rec := get(h, http.MethodGet, "/api/v1/devices", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}
	if rec := get(h, http.MethodGet, "/api/v1/devices", viewer); rec.Code != http.StatusOK {
		t.Errorf("viewer read status = %d, want 200", rec.Code)
	}
	if rec := get(h, http.MethodPost, "/api/v1/stop", viewer); rec.Code != http.StatusForbidden {
		t.Errorf("viewer stop status = %d, want 403", rec.Code)
	}
	if rec := get(h, http.MethodPost, "/api/v1/stop", operator); rec.Code != http.StatusOK {
		t.Errorf("operator stop status = %d, want 200", rec.Code)
	}
	if rec := get(h, http.MethodGet, "/live", ""); rec.Code != http.StatusOK {
		t.Errorf("probe status = %d, want 200 without a token", rec.Code)
	}
}
