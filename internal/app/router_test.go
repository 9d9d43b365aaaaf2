package app

import (
	"encoding/json"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/controller"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSwaggerDocListsListeningRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "router-test-secret"}}
	c := &controllers{
		game:   controller.NewGameController(nil),
		health: controller.NewHealthController(nil, nil),
	}
	(&App{}).registerRoutes(router, c, cfg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var doc struct {
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("doc.json is not valid JSON: %v", err)
	}
	if doc.BasePath != "/api" {
		t.Errorf("expected basePath /api, got %q", doc.BasePath)
	}
	for _, p := range []string{
		"/health",
		"/listening/sessions",
		"/listening/sessions/{id}/start",
		"/listening/sessions/{id}/rounds/current",
		"/listening/sessions/{id}/rounds/{n}/attempt",
		"/listening/sessions/{id}/advance",
	} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("path %s missing from swagger doc", p)
		}
	}
}

func TestListeningRoutesRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "router-test-secret"}}
	c := &controllers{
		game:   controller.NewGameController(nil),
		health: controller.NewHealthController(nil, nil),
	}
	(&App{}).registerRoutes(router, c, cfg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/listening/sessions", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}
