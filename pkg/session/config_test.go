package session

import (
	"os"
	"path/filepath"
	"testing"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AIVORY_DEBUGGER_URL",
		"AIVORY_API_KEY",
		"AIVORY_DEBUGGEE_ID",
		"AIVORY_HISTORY_DB",
		"AIVORY_DEBUG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	// Point XDG at an empty dir so the developer's real config file
	// cannot leak into the test.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func writeConfigFile(t *testing.T, content string) {
	t.Helper()
	dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "aivory-debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := NewConfig()
	if cfg.BackendURL != "wss://api.aivory.net/ws/debugger" {
		t.Errorf("default BackendURL = %q", cfg.BackendURL)
	}
	if cfg.APIKey != "" || cfg.DebuggeeID != "" || cfg.HistoryPath != "" || cfg.Debug {
		t.Errorf("defaults not empty: %+v", cfg)
	}
}

func TestNewConfigReadsFile(t *testing.T) {
	clearConfigEnv(t)
	writeConfigFile(t, `
[backend]
url = "wss://file.example/ws"
api_key = "file-key"

[general]
debuggee_id = "dbg-file"
debug = true

[history]
path = "/tmp/captures.db"
`)

	cfg := NewConfig()
	if cfg.BackendURL != "wss://file.example/ws" {
		t.Errorf("BackendURL = %q; want file value", cfg.BackendURL)
	}
	if cfg.APIKey != "file-key" || cfg.DebuggeeID != "dbg-file" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if !cfg.Debug {
		t.Error("debug = false; want file value true")
	}
	if cfg.HistoryPath != "/tmp/captures.db" {
		t.Errorf("HistoryPath = %q; want file value", cfg.HistoryPath)
	}
}

func TestNewConfigEnvOverridesFile(t *testing.T) {
	clearConfigEnv(t)
	writeConfigFile(t, `
[backend]
url = "wss://file.example/ws"
`)
	t.Setenv("AIVORY_DEBUGGER_URL", "wss://env.example/ws")
	t.Setenv("AIVORY_DEBUGGEE_ID", "dbg-env")

	cfg := NewConfig()
	if cfg.BackendURL != "wss://env.example/ws" {
		t.Errorf("BackendURL = %q; env should override file", cfg.BackendURL)
	}
	if cfg.DebuggeeID != "dbg-env" {
		t.Errorf("DebuggeeID = %q; want env value", cfg.DebuggeeID)
	}
}

func TestNewConfigOptionsOverrideEverything(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AIVORY_DEBUGGER_URL", "wss://env.example/ws")
	t.Setenv("AIVORY_DEBUG", "true")

	cfg := NewConfig(
		WithBackendURL("wss://opt.example/ws"),
		WithAPIKey("opt-key"),
		WithDebuggeeID("dbg-opt"),
		WithDebug(false),
	)
	if cfg.BackendURL != "wss://opt.example/ws" {
		t.Errorf("BackendURL = %q; options should win", cfg.BackendURL)
	}
	if cfg.APIKey != "opt-key" || cfg.DebuggeeID != "dbg-opt" {
		t.Errorf("option values not applied: %+v", cfg)
	}
	if cfg.Debug {
		t.Error("WithDebug(false) should override AIVORY_DEBUG=true")
	}
}
