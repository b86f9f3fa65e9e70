package client

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// Config is the client's local state. Exchange private keys are not kept
// here; they live sealed in the KeyStore next to this file.
type Config struct {
	CurrentUsername     string                    `json:"current_username"`
	Users               map[string]models.User    `json:"users"`                 // Known users (address book)
	IdentityPrivateKeys map[string][]byte         `json:"identity_private_keys"` // Map username -> Ed25519 private key
	Sessions            map[string]models.Session `json:"sessions"`              // Map username -> current token pair
	ServerURL           string                    `json:"server_url"`
}

func newConfig() *Config {
	return &Config{
		Users:               make(map[string]models.User),
		IdentityPrivateKeys: make(map[string][]byte),
		Sessions:            make(map[string]models.Session),
		ServerURL:           transport.DefaultServerURL,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Users == nil {
		cfg.Users = make(map[string]models.User)
	}
	if cfg.IdentityPrivateKeys == nil {
		cfg.IdentityPrivateKeys = make(map[string][]byte)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = make(map[string]models.Session)
	}
	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "secure-chat", "config.json"), nil
}

// KeyStoreDir is where sealed exchange keys live for a given config file.
func KeyStoreDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "keys")
}
