package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/quailyquaily/smartops/agent"
	"github.com/quailyquaily/smartops/db"
	"github.com/quailyquaily/smartops/internal/inventory"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/quailyquaily/smartops/ratelimit"
	"github.com/quailyquaily/smartops/secrets"
	"github.com/quailyquaily/smartops/tracker"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APIKeyRef string `mapstructure:"api_key_ref"`
}

func loggerFromViper(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(viper.GetString("logging.level"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(viper.GetString("logging.format")), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func secretsResolverFromViper() *secrets.EnvResolver {
	return &secrets.EnvResolver{Aliases: viper.GetStringMapString("secrets.aliases")}
}

func mcpConfigFromViper(ctx context.Context, r secrets.Resolver) (mcp.Config, error) {
	var raw []serverConfig
	if err := viper.UnmarshalKey("mcp.servers", &raw); err != nil {
		return mcp.Config{}, fmt.Errorf("mcp.servers: %w", err)
	}
	cfg := mcp.Config{
		DefaultServer:    strings.TrimSpace(viper.GetString("mcp.default_server")),
		RequestTimeout:   viper.GetDuration("mcp.timeout"),
		MaxResponseBytes: viper.GetInt64("mcp.max_response_bytes"),
		SchemaCacheSize:  viper.GetInt("mcp.schema_cache_size"),
		Retry: mcp.RetryConfig{
			MaxRetries:    viper.GetInt("mcp.retry.max_retries"),
			BaseDelay:     viper.GetDuration("mcp.retry.base_delay"),
			MaxDelay:      viper.GetDuration("mcp.retry.max_delay"),
			Multiplier:    viper.GetFloat64("mcp.retry.multiplier"),
			MaxTotalDelay: viper.GetDuration("mcp.retry.max_total_delay"),
			Jitter:        viper.GetFloat64("mcp.retry.jitter"),
		},
	}
	for _, s := range raw {
		key, err := secrets.ResolveOptional(ctx, r, s.APIKey, s.APIKeyRef)
		if err != nil {
			return mcp.Config{}, fmt.Errorf("mcp server %s: %w", s.Name, err)
		}
		cfg.Servers = append(cfg.Servers, mcp.Server{
			Name:   strings.TrimSpace(s.Name),
			URL:    strings.TrimSpace(s.URL),
			APIKey: key,
		})
	}
	if len(cfg.Servers) == 0 {
		return mcp.Config{}, fmt.Errorf("no tool servers configured (mcp.servers)")
	}
	if cfg.DefaultServer == "" {
		cfg.DefaultServer = cfg.Servers[0].Name
	}
	return cfg, nil
}

func ratelimitConfigFromViper() ratelimit.Config {
	return ratelimit.Config{
		RatePerSecond:    viper.GetFloat64("ratelimit.rate_per_second"),
		Burst:            viper.GetInt("ratelimit.burst"),
		MaxConcurrent:    viper.GetInt("ratelimit.max_concurrent"),
		FailureThreshold: viper.GetInt("ratelimit.failure_threshold"),
		Cooldown:         viper.GetDuration("ratelimit.cooldown"),
	}
}

func trackerConfigFromViper() tracker.Config {
	return tracker.Config{
		Tick:               viper.GetDuration("tracker.tick"),
		InitialDelay:       viper.GetDuration("tracker.initial_delay"),
		MaxDelay:           viper.GetDuration("tracker.max_delay"),
		BackoffFactor:      viper.GetFloat64("tracker.backoff_factor"),
		DefaultTimeout:     viper.GetDuration("tracker.default_timeout"),
		Retention:          viper.GetDuration("tracker.retention"),
		MaxConcurrentPolls: viper.GetInt("tracker.max_concurrent_polls"),
	}
}

func statusToolFromViper() string {
	return firstNonEmpty(viper.GetString("tracker.status_tool"), tracker.DefaultStatusTool)
}

func classifierFromViper() agent.RuleClassifier {
	return agent.RuleClassifier{
		WriteTools:       viper.GetStringSlice("agent.write_tools"),
		WritePrefixes:    viper.GetStringSlice("agent.write_prefixes"),
		LongRunningTools: viper.GetStringSlice("agent.long_running_tools"),
	}
}

func dbConfigFromViper() db.Config {
	cfg := db.DefaultConfig()

	cfg.Driver = viper.GetString("db.driver")
	cfg.DSN = viper.GetString("db.dsn")

	cfg.Pool.MaxOpenConns = viper.GetInt("db.pool.max_open_conns")
	cfg.Pool.MaxIdleConns = viper.GetInt("db.pool.max_idle_conns")
	cfg.Pool.ConnMaxLifetime = viper.GetDuration("db.pool.conn_max_lifetime")
	if cfg.Pool.ConnMaxLifetime < 0 {
		cfg.Pool.ConnMaxLifetime = 0
	}

	cfg.SQLite.BusyTimeoutMs = viper.GetInt("db.sqlite.busy_timeout_ms")
	cfg.SQLite.WAL = viper.GetBool("db.sqlite.wal")
	cfg.SQLite.ForeignKeys = viper.GetBool("db.sqlite.foreign_keys")

	if cfg.Pool.MaxOpenConns <= 0 {
		cfg.Pool.MaxOpenConns = 1
	}
	if cfg.Pool.MaxIdleConns <= 0 {
		cfg.Pool.MaxIdleConns = 1
	}
	if cfg.SQLite.BusyTimeoutMs <= 0 {
		cfg.SQLite.BusyTimeoutMs = 5000
	}
	return cfg
}

// needsDB reports whether any configured component stores rows in SQLite.
func needsDB() bool {
	return sessionStoreKind() == "sqlite" || viper.GetBool("approvals.history.enabled")
}

func sessionStoreKind() string {
	return strings.ToLower(strings.TrimSpace(viper.GetString("session.store")))
}

func targetsFromViper() (map[string]string, error) {
	inv, err := inventory.Load(viper.GetString("inventory.path"))
	if err != nil {
		return nil, err
	}
	return inv.Platforms(), nil
}
