package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

func TestConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	// Test LoadConfig (New)
	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServerURL != transport.DefaultServerURL {
		t.Errorf("Expected default server URL, got %s", cfg.ServerURL)
	}

	// Test SaveConfig
	cfg.CurrentUsername = "alice"
	cfg.Users["bob"] = models.User{
		Username:          "bob",
		IdentityPublicKey: []byte("bob_id_key"),
		ExchangePublicKey: []byte("bob_ex_key"),
	}
	cfg.Sessions["alice"] = models.Session{
		AccessToken:     "access",
		RefreshToken:    "refresh",
		UserID:          "alice",
		AccessExpiresAt: time.Now().Add(time.Minute).UTC().Truncate(time.Second),
	}

	if err := SaveConfig(configPath, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected config mode 0600, got %v", info.Mode().Perm())
	}

	// Test LoadConfig (Existing)
	loadedCfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig existing failed: %v", err)
	}
	if loadedCfg.CurrentUsername != "alice" {
		t.Errorf("Expected username alice, got %s", loadedCfg.CurrentUsername)
	}
	if _, ok := loadedCfg.Users["bob"]; !ok {
		t.Error("Expected bob in users")
	}
	sess := loadedCfg.Sessions["alice"]
	if sess.RefreshToken != "refresh" || !sess.AccessExpiresAt.Equal(cfg.Sessions["alice"].AccessExpiresAt) {
		t.Errorf("Session not restored: %+v", sess)
	}
}

func TestLoadConfigFillsMissingMaps(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"current_username":"alice"}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Users == nil || cfg.IdentityPrivateKeys == nil || cfg.Sessions == nil {
		t.Error("Expected maps to be initialized")
	}

	if err := os.WriteFile(configPath, []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected error for corrupt config")
	}
}

func TestKeyStoreDir(t *testing.T) {
	got := KeyStoreDir(filepath.Join("home", "secure-chat", "config.json"))
	want := filepath.Join("home", "secure-chat", "keys")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}
