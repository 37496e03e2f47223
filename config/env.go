package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvDataDir      = "PEERLEND_DATA_DIR"
	EnvChainID      = "PEERLEND_CHAIN_ID"
	EnvEnvironment  = "PEERLEND_ENV"
	EnvIndexerDSN   = "PEERLEND_INDEXER_DSN"
	EnvPauses       = "PEERLEND_PAUSES"
	EnvLogLevel     = "PEERLEND_LOG_LEVEL"
	EnvLogFile      = "PEERLEND_LOG_FILE"
	EnvAdminSecret  = "PEERLEND_ADMIN_PASSPHRASE"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPHeaders  = "OTEL_EXPORTER_OTLP_HEADERS"
	EnvOTLPInsecure = "OTEL_EXPORTER_OTLP_INSECURE"
)

// Environ returns the process environment overlaid on the variables found in
// the dotenv files. Process variables win. Missing files are skipped.
func Environ(files ...string) (map[string]string, error) {
	env := map[string]string{}
	for _, file := range files {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}
		values, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides cfg with the recognised variables present in env and
// revalidates the result.
func (cfg *Config) ApplyEnv(env map[string]string) error {
	str := func(key string, dst *string) {
		if v, ok := env[key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvDataDir, &cfg.DataDir)
	str(EnvEnvironment, &cfg.Environment)
	str(EnvIndexerDSN, &cfg.IndexerDSN)
	str(EnvLogLevel, &cfg.Log.Level)
	str(EnvLogFile, &cfg.Log.File)
	str(EnvOTLPEndpoint, &cfg.Telemetry.Endpoint)
	str(EnvOTLPHeaders, &cfg.Telemetry.Headers)

	if v := strings.TrimSpace(env[EnvChainID]); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvChainID, err)
		}
		cfg.ChainID = id
	}
	if v := strings.TrimSpace(env[EnvOTLPInsecure]); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvOTLPInsecure, err)
		}
		cfg.Telemetry.Insecure = insecure
	}
	if v, ok := env[EnvPauses]; ok {
		cfg.Pauses = strings.Split(v, ",")
	}
	cfg.normalize()
	return cfg.Validate()
}
