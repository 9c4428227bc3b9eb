package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"device-command-service/internal/config"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "service.log")
	logger, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Device registered")
	if err := CloseLogger(logger); err != nil {
		t.Fatalf("CloseLogger() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"message":"Device registered"`) {
		t.Errorf("log = %q, want info entry", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("log = %q, debug entry should be filtered", out)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(&config.LoggingConfig{Level: "loud", Output: "stdout"}); err == nil {
		t.Fatal("NewLogger() error = nil, want level error")
	}
}

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		write    func(c *gin.Context)
		status   int
		success  bool
		code     string
		withData bool
	}{
		{
			name:     "success",
			write:    func(c *gin.Context) { SuccessResponse(c, http.StatusAccepted, "Command queued", gin.H{"id": "a"}) },
			status:   http.StatusAccepted,
			success:  true,
			withData: true,
		},
		{
			name:    "error",
			write:   func(c *gin.Context) { ErrorResponse(c, http.StatusTooManyRequests, "Queue full", errors.New("deadline")) },
			status:  http.StatusTooManyRequests,
			code:    "QUEUE_FULL",
			success: false,
		},
		{
			name: "partial",
			write: func(c *gin.Context) {
				PartialErrorResponse(c, http.StatusBadRequest, "Batch rejected", gin.H{"count": 1}, errors.New("command 1"))
			},
			status:   http.StatusBadRequest,
			code:     "BAD_REQUEST",
			withData: true,
		},
		{
			name:     "device failure",
			write:    func(c *gin.Context) { OutcomeResponse(c, false, "Emergency stop failed", gin.H{}, "not connected") },
			status:   http.StatusBadGateway,
			code:     "DEVICE_FAILURE",
			withData: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Set("request_id", "req-1")
			tt.write(c)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp APIResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success != tt.success || resp.RequestID != "req-1" {
				t.Errorf("success = %v request_id = %q", resp.Success, resp.RequestID)
			}
			if tt.code != "" && (resp.Error == nil || resp.Error.Code != tt.code) {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.code)
			}
			if (resp.Data != nil) != tt.withData {
				t.Errorf("data = %v, want present %v", resp.Data, tt.withData)
			}
		})
	}
}
