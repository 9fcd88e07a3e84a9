package db

import (
	"context"
	"database/sql"
	"fmt"
)

func applySQLitePragmas(ctx context.Context, sqlDB *sql.DB, cfg SQLiteConfig) error {
	if sqlDB == nil {
		return fmt.Errorf("nil sql db")
	}
	if cfg.WAL {
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return err
		}
	}
	if cfg.BusyTimeoutMs > 0 {
		if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeoutMs)); err != nil {
			return err
		}
	}
	if cfg.ForeignKeys {
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
			return err
		}
	}
	return nil
}
