package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"certdepot/config"
	"certdepot/internal/logger"
)

func TestGetConfig_Success(t *testing.T) {
	cfg := config.Config{
		Env: config.EnvProd,
		Server: config.ServerConfig{
			Host:               "127.0.0.1",
			Port:               35553,
			ProcessCount:       4,
			MaxConnectionQueue: 10,
			PIDFile:            "/var/run/secret-layout.pid",
			StrictProtocol:     true,
		},
		InventoryTTL: 45 * time.Second,
	}

	handler := GetConfig(cfg, logger.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var resp ConfigResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := ConfigResponse{
		Env:                "prod",
		Address:            "127.0.0.1:35553",
		ProcessCount:       4,
		MaxConnectionQueue: 10,
		StrictProtocol:     true,
		InventoryTTL:       45,
	}
	if resp != want {
		t.Errorf("expected %+v, got %+v", want, resp)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(nil); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for an unclassified error, got %d", got)
	}
}
