package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("OPENAI_MODEL_ID", "")
	os.Setenv("TTS_ENGINE", "")
	os.Setenv("EARLY_TRIGGER_CHARS", "")
	cfg := Load("")
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ModelID == "" {
		t.Fatalf("expected default model id")
	}
	if cfg.TTSEngine != "deepgram" {
		t.Fatalf("expected default tts engine, got %q", cfg.TTSEngine)
	}
	if cfg.EarlyTriggerChars != 80 {
		t.Fatalf("expected default early trigger, got %d", cfg.EarlyTriggerChars)
	}
	if cfg.SilenceGuard != 12*time.Second {
		t.Fatalf("expected default silence guard, got %s", cfg.SilenceGuard)
	}
	if cfg.Persona.SystemPrompt == "" || cfg.Persona.Greeting == "" {
		t.Fatalf("expected built-in persona")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("EARLY_TRIGGER_CHARS", "120")
	os.Setenv("SILENCE_GUARD_MS", "5000")
	defer os.Unsetenv("EARLY_TRIGGER_CHARS")
	defer os.Unsetenv("SILENCE_GUARD_MS")
	cfg := Load("")
	if cfg.EarlyTriggerChars != 120 {
		t.Fatalf("early trigger: got %d", cfg.EarlyTriggerChars)
	}
	if cfg.SilenceGuard != 5*time.Second {
		t.Fatalf("silence guard: got %s", cfg.SilenceGuard)
	}
}

func TestLoad_PersonaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.toml")
	body := "system_prompt = \"You are a test cashier.\"\ngreeting = \"Hello!\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	cfg := Load(path)
	if cfg.Persona.SystemPrompt != "You are a test cashier." {
		t.Fatalf("prompt: got %q", cfg.Persona.SystemPrompt)
	}
	if cfg.Persona.Greeting != "Hello!" {
		t.Fatalf("greeting: got %q", cfg.Persona.Greeting)
	}
}
