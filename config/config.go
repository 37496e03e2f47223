package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"peerlend/crypto"
	"peerlend/native/lending"
)

// Config is the lending daemon's node configuration.
type Config struct {
	DataDir           string         `toml:"DataDir"`
	ChainID           uint64         `toml:"ChainID"`
	NetworkName       string         `toml:"NetworkName"`
	Environment       string         `toml:"Environment"`
	AdminKeystorePath string         `toml:"AdminKeystorePath"`
	IndexerDSN        string         `toml:"IndexerDSN"`
	BootstrapManifest string         `toml:"BootstrapManifest,omitempty"`
	Pauses            []string       `toml:"Pauses"`
	Contracts         Contracts      `toml:"contracts"`
	Lending           lending.Config `toml:"lending"`
	Log               Log            `toml:"log"`
	Telemetry         Telemetry      `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// and admin keystore when the path does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written by createDefault, without the
// keystore path.
func Default() *Config {
	return &Config{
		DataDir:     "./peerlend-data",
		ChainID:     31337,
		NetworkName: "peerlend-local",
		IndexerDSN:  "file:peerlend-history.db?cache=shared",
		Pauses:      []string{},
		Contracts:   DefaultContracts(),
		Lending:     lending.DefaultConfig(),
		Log:         Log{Level: "info", MaxSizeMB: 100, MaxBackups: 5},
		Telemetry:   Telemetry{Insecure: true},
	}
}

func (cfg *Config) normalize() {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.IndexerDSN = strings.TrimSpace(cfg.IndexerDSN)
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "peerlend-local"
	}
	pauses := make([]string, 0, len(cfg.Pauses))
	for _, module := range cfg.Pauses {
		if trimmed := strings.ToLower(strings.TrimSpace(module)); trimmed != "" {
			pauses = append(pauses, trimmed)
		}
	}
	cfg.Pauses = pauses
	cfg.Contracts.fill()
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.AdminKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.AdminKeystorePath != keystorePath {
		cfg.AdminKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.AdminKeystorePath = keystorePath
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
	return filepath.Join(filepath.Dir(configPath), "admin.keystore")
}
