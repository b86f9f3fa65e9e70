package client

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
)

// PassphraseEnv supplies the keystore passphrase when --passphrase is not set.
const PassphraseEnv = "SECURECHAT_PASSPHRASE"

var (
	cfgFile    string
	passphrase string
	cfg        *Config

	// kdfParams is lowered by tests.
	kdfParams = crypto.DefaultKDFParams
)

var rootCmd = &cobra.Command{
	Use:   "secure-chat",
	Short: "End-to-end encrypted chat CLI",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/secure-chat/config.json)")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "keystore passphrase (default $"+PassphraseEnv+")")
}

func initConfig() {
	path, err := configPath()
	if err != nil {
		fmt.Println("Error getting config path:", err)
		os.Exit(1)
	}

	cfg, err = LoadConfig(path)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return GetConfigPath()
}

// cmdContext is the command's context, or Background when a test calls Run
// directly.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func GetRootCmd() *cobra.Command {
	return rootCmd
}

func GetConfig() *Config {
	return cfg
}

func SaveConfigGlobal() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return SaveConfig(path, cfg)
}

func keyStore() (*crypto.KeyStore, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyStore(KeyStoreDir(path), kdfParams), nil
}

func currentPassphrase() string {
	if passphrase != "" {
		return passphrase
	}
	return os.Getenv(PassphraseEnv)
}

// loadExchangeKey unseals the current user's X25519 key pair.
func loadExchangeKey() (*crypto.ExchangeKeyPair, error) {
	ks, err := keyStore()
	if err != nil {
		return nil, err
	}
	return ks.Load(cfg.CurrentUsername, currentPassphrase())
}
