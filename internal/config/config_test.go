package config

import (
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_ValidLogLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		cfg := Defaults()
		cfg.General.LogLevel = level
		if err := Validate(cfg); err != nil {
			t.Fatalf("level %q should be valid: %v", level, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Webhook.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidPlatformKind(t *testing.T) {
	cfg := Defaults()
	cfg.Platform.Kind = "carrier-pigeon"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown platform kind")
	}
}

func TestValidate_HTTPPlatformRequiresAPIBase(t *testing.T) {
	cfg := Defaults()
	cfg.Platform.APIBase = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for http platform without apiBase")
	}
}

func TestValidate_TelegramPlatformRequiresToken(t *testing.T) {
	cfg := Defaults()
	cfg.Platform.Kind = "telegram"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram platform without token")
	}

	cfg.Platform.TelegramToken = "123:abc"
	if err := Validate(cfg); err != nil {
		t.Fatalf("telegram platform with token should be valid: %v", err)
	}
}

func TestValidate_InvalidDedupSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Pipeline.DedupTTLSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for dedupTtlSeconds=0")
	}

	cfg = Defaults()
	cfg.Pipeline.DedupSweepSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for dedupSweepSeconds=0")
	}
}

func TestValidate_MissingDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.Store.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty dbPath")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Platform.APIBase = "https://platform.example.com"
	original.Store.DBPath = filepath.Join(dir, "relay.db")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Platform.APIBase != "https://platform.example.com" {
		t.Errorf("apiBase = %q", loaded.Platform.APIBase)
	}
	if loaded.Webhook.Port != original.Webhook.Port {
		t.Errorf("port = %d", loaded.Webhook.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{broken"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"platform": {"kind": "http", "apiBase": "http://x"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webhook.Port != 9090 || cfg.Webhook.Path != "/webhook" {
		t.Errorf("webhook defaults not applied: %+v", cfg.Webhook)
	}
	if cfg.Pipeline.DedupTTLSeconds != 300 {
		t.Errorf("dedupTtlSeconds = %d", cfg.Pipeline.DedupTTLSeconds)
	}
}

// --- Env var expansion ---

func TestExpandEnvVars_Set(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "tok-123")
	out := ExpandEnvVars(`{"token": "${RELAY_TEST_TOKEN}"}`)
	if out != `{"token": "tok-123"}` {
		t.Errorf("out = %s", out)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("RELAY_TEST_MISSING")
	out := ExpandEnvVars(`${RELAY_TEST_MISSING:-fallback}`)
	if out != "fallback" {
		t.Errorf("out = %s", out)
	}
}

func TestExpandEnvVars_UnsetNoDefault(t *testing.T) {
	os.Unsetenv("RELAY_TEST_MISSING")
	out := ExpandEnvVars(`${RELAY_TEST_MISSING}`)
	if out != "${RELAY_TEST_MISSING}" {
		t.Errorf("unset var without default must stay verbatim, got %s", out)
	}
}

func TestLoad_ExpandsEnvInConfig(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "hunter2")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"webhook": {"secret": "${RELAY_TEST_SECRET}"},
		"platform": {"kind": "http", "apiBase": "http://x"}
	}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webhook.Secret != "hunter2" {
		t.Errorf("secret = %q", cfg.Webhook.Secret)
	}
}
