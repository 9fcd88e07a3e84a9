package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quailyquaily/smartops/internal/pathutil"
)

type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	Pool   PoolConfig   `mapstructure:"pool"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SQLiteConfig struct {
	BusyTimeoutMs int  `mapstructure:"busy_timeout_ms"`
	WAL           bool `mapstructure:"wal"`
	ForeignKeys   bool `mapstructure:"foreign_keys"`
}

func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		Pool: PoolConfig{
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			ForeignKeys:   true,
		},
	}
}

// ResolveSQLiteDSN expands a file path DSN (creating its directory) and
// falls back to ~/.smartops/smartops.db when empty. URI and in-memory DSNs
// pass through unchanged.
func ResolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("cannot resolve default sqlite path: %v", err)
		}
		dsn = filepath.Join(home, ".smartops", "smartops.db")
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	path := dsn
	query := ""
	if i := strings.Index(dsn, "?"); i >= 0 {
		path, query = dsn[:i], dsn[i:]
	}
	path = pathutil.ExpandHomePath(path)
	if err := pathutil.EnsureParentDir(path, 0o700); err != nil {
		return "", fmt.Errorf("sqlite dsn: %w", err)
	}
	return path + query, nil
}
