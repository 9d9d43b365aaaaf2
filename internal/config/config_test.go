package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadConfig(t *testing.T) {
	uploads := filepath.Join(t.TempDir(), "uploads")
	dir := writeConfig(t, `
server:
  port: "9090"
  mode: debug
database:
  uri: sqlite://from-file.db
storage:
  type: local
  local_path: `+uploads+`
tts:
  voice_spk1_female: ana
prefetch:
  backoff: 250ms
`)
	t.Setenv("DB_URI", "sqlite://from-env.db")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.Mode != "debug" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Database.URI != "sqlite://from-env.db" {
		t.Fatalf("environment should override the file, got %q", cfg.Database.URI)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.LLM.RequestTimeout != 90*time.Second {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.TTS.VoiceSpeaker1 != "ana" || cfg.TTS.MaxParallelism != 4 {
		t.Fatalf("unexpected tts config %+v", cfg.TTS)
	}
	if cfg.Prefetch.Backoff != 250*time.Millisecond || cfg.Prefetch.Depth != 2 || !cfg.Prefetch.Enabled {
		t.Fatalf("unexpected prefetch config %+v", cfg.Prefetch)
	}
	if _, err := os.Stat(uploads); err != nil {
		t.Fatalf("local storage directory not created: %v", err)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"short secret in release", "server:\n  mode: release\njwt:\n  secret: short\n", "SECRET_KEY"},
		{"unknown mode", "server:\n  mode: staging\n", "server.mode"},
		{"negative prefetch depth", "server:\n  mode: test\nprefetch:\n  depth: -1\n", "prefetch.depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml+"storage:\n  local_path: "+t.TempDir()+"\n")
			_, err := LoadConfig(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("SERVER_MODE", "test")
	t.Setenv("DB_URI", "sqlite://env-only.db")

	wd, _ := os.Getwd()
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig(filepath.Join(tmp, "missing"))
	if err != nil {
		t.Fatalf("LoadConfig without a file failed: %v", err)
	}
	if cfg.Database.URI != "sqlite://env-only.db" || cfg.Storage.Type != "local" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
