package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/gateway"

	"github.com/gin-gonic/gin"
)

func TestOptionsAuthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Server.Key = "test-key"
	gw := &gateway.Gateway{Config: cfg}
	s := NewServer(gw)

	req, _ := http.NewRequest("OPTIONS", "/api/v1/plans", nil)
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Errorf("Expected 204 No Content for OPTIONS request, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin: *, got %s", resp.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header().Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Errorf("Expected DELETE in allowed methods, got %s", resp.Header().Get("Access-Control-Allow-Methods"))
	}

	// no key
	req2, _ := http.NewRequest("POST", "/api/v1/plans", nil)
	resp2 := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp2, req2)
	if resp2.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 Unauthorized for POST request without key, got %d", resp2.Code)
	}

	// with key the empty body is rejected before the gateway is touched
	req3, _ := http.NewRequest("POST", "/api/v1/plans", nil)
	req3.Header.Set("X-Server-Key", "test-key")
	resp3 := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp3, req3)
	if resp3.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for POST request with key and no body, got %d", resp3.Code)
	}

	req4, _ := http.NewRequest("GET", "/api/admin/v1/config", nil)
	resp4 := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp4, req4)
	if resp4.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 Unauthorized for admin endpoint without basic auth, got %d", resp4.Code)
	}
}

func TestWebSocketKeyFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Server.Key = "test-key"
	s := NewServer(&gateway.Gateway{Config: cfg})

	req, _ := http.NewRequest("GET", "/api/v1/ws?token=wrong", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a wrong websocket token, got %d", resp.Code)
	}
}
