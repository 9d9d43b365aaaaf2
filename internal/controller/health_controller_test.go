package controller

import (
	"encoding/json"
	"listening_game_backend/internal/config"
	"listening_game_backend/pkg/database"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

func healthStatus(t *testing.T, hc *HealthController) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/health", hc.HealthCheck)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body.Data
}

func TestHealthCheck(t *testing.T) {
	db, err := database.Open(&config.DatabaseConfig{URI: "sqlite://" + filepath.Join(t.TempDir(), "health.db")})
	if err != nil {
		t.Fatalf("database.Open failed: %v", err)
	}

	code, data := healthStatus(t, NewHealthController(db, nil))
	if code != http.StatusOK || data["status"] != "ok" {
		t.Fatalf("expected ok, got %d %v", code, data)
	}

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	code, data = healthStatus(t, NewHealthController(db, rdb))
	if code != http.StatusOK || data["status"] != "degraded" {
		t.Fatalf("expected degraded without redis, got %d %v", code, data)
	}

	sqlDB, _ := db.DB()
	sqlDB.Close()
	code, _ = healthStatus(t, NewHealthController(db, nil))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a closed database, got %d", code)
	}
}
