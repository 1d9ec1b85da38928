package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress            string `toml:"RPCAddress"`
	DataDir               string `toml:"DataDir"`
	KeystorePath          string `toml:"KeystorePath"`
	KeystorePassphraseEnv string `toml:"KeystorePassphraseEnv"`
	OperatorTokenEnv      string `toml:"OperatorTokenEnv"`
	NetworkName           string `toml:"NetworkName"`
	EventLogSize          int    `toml:"EventLogSize"`

	RateLimit RateLimit `toml:"ratelimit"`
	Quota     Quota     `toml:"quota"`
	Genesis   Genesis   `toml:"genesis"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(path, cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./aframp-data"
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = defaultKeystorePath(path)
	}
	if strings.TrimSpace(cfg.KeystorePassphraseEnv) == "" {
		cfg.KeystorePassphraseEnv = "AFRAMP_KEYSTORE_PASSPHRASE"
	}
	if strings.TrimSpace(cfg.OperatorTokenEnv) == "" {
		cfg.OperatorTokenEnv = "AFRAMP_OPERATOR_TOKEN"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "aframp-local"
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = 4096
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
