// Package config builds the runtime configuration: tier defaults, then an
// optional YAML file, then HARRIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "HARRIER_CONFIG"

// Load builds the configuration. An empty path falls back to
// $HARRIER_CONFIG; a missing file is an error only when named explicitly.
func Load(path string) (*domain.Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
	}

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = raw
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := base(data)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// base picks the tier defaults. HARRIER_TIER wins over the file's tier.
func base(data []byte) (*domain.Config, error) {
	var head struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if t, ok := os.LookupEnv("HARRIER_TIER"); ok {
		head.Tier = domain.Tier(t)
	}

	switch head.Tier {
	case domain.TierPro:
		return domain.ProConfig(), nil
	case domain.TierCommunity, "":
		return domain.DefaultConfig(), nil
	default:
		return nil, fmt.Errorf("unknown tier: %s", head.Tier)
	}
}

func applyEnv(cfg *domain.Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	setString("HARRIER_HOST", &cfg.Server.Host)
	setString("HARRIER_LOG_LEVEL", &cfg.Logging.Level)
	setString("HARRIER_LOG_FORMAT", &cfg.Logging.Format)
	setString("HARRIER_DB_DRIVER", &cfg.Repository.Driver)
	setString("HARRIER_SQLITE_PATH", &cfg.Repository.SQLitePath)
	setString("HARRIER_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	setString("HARRIER_POSTGRES_USER", &cfg.Repository.PostgresUser)
	setString("HARRIER_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	setString("HARRIER_POSTGRES_DB", &cfg.Repository.PostgresDB)
	setString("HARRIER_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	setString("HARRIER_CACHE_TYPE", &cfg.Cache.Type)
	setString("HARRIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("HARRIER_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	setString("HARRIER_BUS_TYPE", &cfg.EventBus.Type)
	setString("HARRIER_NATS_URL", &cfg.EventBus.NATSUrl)
	setString("HARRIER_NATS_TOKEN", &cfg.EventBus.NATSToken)
	setString("HARRIER_TRACING_EXPORTER", &cfg.Tracing.ExporterType)

	for key, dst := range map[string]*int{
		"HARRIER_PORT":          &cfg.Server.Port,
		"HARRIER_POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"HARRIER_MAX_WORKERS":   &cfg.Risk.MaxWorkers,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"HARRIER_ASYNC_WORKER": &cfg.Worker.Enabled,
		"HARRIER_TRACING":      &cfg.Tracing.Enabled,
	} {
		if err := setBool(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("HARRIER_MIN_ALERT_LEVEL"); v != "" {
		cfg.Risk.MinAlertLevel = domain.RiskLevel(v)
	}
	if v := os.Getenv("HARRIER_TENANTS"); v != "" {
		cfg.Worker.TenantIDs = splitTenants(v)
	}
	if os.Getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

func splitTenants(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate rejects configurations the components cannot start with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis", "":
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats", "":
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}
	if _, err := domain.ParseRiskLevel(string(cfg.Risk.MinAlertLevel)); err != nil {
		return fmt.Errorf("risk.minAlertLevel: %w", err)
	}
	if cfg.Risk.MaxWorkers < 0 {
		return fmt.Errorf("risk.maxWorkers must be non-negative")
	}
	if _, err := telemetry.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
