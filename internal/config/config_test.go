package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"chat_url": "wss://chat.example/ws",
		"chat_token": "tok",
		"chat_destination": "#approvals"
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdleThresholdSeconds != defaultIdleThresholdSeconds {
		t.Fatalf("expected default idle threshold, got %d", cfg.IdleThresholdSeconds)
	}
	if cfg.RequestTimeoutSeconds != defaultRequestTimeoutSeconds {
		t.Fatalf("expected default request timeout, got %d", cfg.RequestTimeoutSeconds)
	}
	if len(cfg.FilteredNotificationTypes) != 1 || cfg.FilteredNotificationTypes[0] != "permission_prompt" {
		t.Fatalf("expected default filtered notification types, got %v", cfg.FilteredNotificationTypes)
	}
	if cfg.IPCPath == "" {
		t.Fatalf("expected a default ipc path to be filled in")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"chat_url":"wss://chat.example/ws","chat_token":"tok","chat_destination":"#approvals"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CLAUDERELAY_CHAT_DESTINATION", "#overridden")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChatDestination != "#overridden" {
		t.Fatalf("expected env override to win, got %q", cfg.ChatDestination)
	}
}

func TestLoadFailsValidationWithoutChatCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing chat credentials")
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	t.Setenv("CLAUDERELAY_CHAT_URL", "wss://chat.example/ws")
	t.Setenv("CLAUDERELAY_CHAT_TOKEN", "tok")
	t.Setenv("CLAUDERELAY_CHAT_DESTINATION", "#approvals")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChatURL != "wss://chat.example/ws" {
		t.Fatalf("expected env-sourced chat url, got %q", cfg.ChatURL)
	}
}
