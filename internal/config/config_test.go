package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8012 {
		t.Fatalf("expected default port 8012, got %d", cfg.HTTP.Port)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.LLM.Mode != "mock" || cfg.TTS.Mode != "mock" || cfg.STT.Mode != "mock" {
		t.Fatalf("expected mock adapters by default")
	}
	if cfg.Bridge.Store != "memory" {
		t.Fatalf("expected memory bridge store, got %q", cfg.Bridge.Store)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waifud.yaml")
	data := []byte(`
http:
  port: 9000
  api_key: secret
llm:
  mode: openai
  endpoint: https://example.test/v1
  model: test-model
tts:
  mode: gateway
  endpoint: http://gateway:8000
  service: sbv2
  speaker: "0"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 || cfg.HTTP.APIKey != "secret" {
		t.Fatalf("http section not applied: %+v", cfg.HTTP)
	}
	if cfg.LLM.Mode != "openai" || cfg.LLM.Model != "test-model" {
		t.Fatalf("llm section not applied: %+v", cfg.LLM)
	}
	if cfg.TTS.Mode != "gateway" || cfg.TTS.Service != "sbv2" {
		t.Fatalf("tts section not applied: %+v", cfg.TTS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WAIFUD_HTTP_PORT", "8100")
	t.Setenv("WAIFUD_HTTP_API_KEY", "from-env")
	t.Setenv("WAIFUD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("WAIFUD_LLM_TEMPERATURE", "0.2")
	t.Setenv("WAIFUD_TTS_POLLY_VOICE", "Mizuki")
	t.Setenv("WAIFUD_BRIDGE_STORE", "redis")
	t.Setenv("WAIFUD_BRIDGE_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8100 || cfg.HTTP.APIKey != "from-env" {
		t.Fatalf("expected http overrides, got %+v", cfg.HTTP)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %f", cfg.LLM.Temperature)
	}
	if cfg.TTS.Polly.Voice != "Mizuki" {
		t.Fatalf("expected polly voice override, got %q", cfg.TTS.Polly.Voice)
	}
	if cfg.Bridge.Store != "redis" || cfg.Bridge.RedisAddr != "redis:6379" {
		t.Fatalf("expected bridge overrides, got %+v", cfg.Bridge)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("WAIFUD_LLM_MODE", "banana")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid llm mode")
	}
}
