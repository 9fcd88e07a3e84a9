package main

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/internal/metrics"
	"github.com/quailyquaily/smartops/internal/pathutil"
	"github.com/spf13/viper"
)

func guardConfigFromViper() guard.Config {
	var patterns []guard.RegexPattern
	_ = viper.UnmarshalKey("approvals.redaction.patterns", &patterns)

	return guard.Config{
		Redaction: guard.RedactionConfig{
			Enabled:  viper.GetBool("approvals.redaction.enabled"),
			Patterns: patterns,
		},
		Audit: guard.AuditConfig{
			JSONLPath:      strings.TrimSpace(viper.GetString("approvals.audit.jsonl_path")),
			RotateMaxBytes: viper.GetInt64("approvals.audit.rotate_max_bytes"),
		},
		Approvals: guard.ApprovalsConfig{
			TTL:            viper.GetDuration("approvals.ttl"),
			SweepInterval:  viper.GetDuration("approvals.sweep_interval"),
			HistoryEnabled: viper.GetBool("approvals.history.enabled"),
		},
	}
}

// approvalsFromViper builds the approval manager with its audit sink and,
// when enabled, the SQLite history mirror (nil otherwise). The returned sink
// is owned by the caller.
func approvalsFromViper(log *slog.Logger, mt *metrics.Metrics, sqlDB *sql.DB, onExpired func(guard.ApprovalRequest)) (*guard.ApprovalManager, guard.AuditSink, guard.ApprovalHistory) {
	if log == nil {
		log = slog.Default()
	}
	cfg := guardConfigFromViper()

	jsonlPath := cfg.Audit.JSONLPath
	if jsonlPath == "" {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			jsonlPath = filepath.Join(home, ".smartops", "approvals_audit.jsonl")
		}
	}
	jsonlPath = pathutil.ExpandHomePath(jsonlPath)

	var sink guard.AuditSink = guard.NopAuditSink{}
	if strings.TrimSpace(jsonlPath) != "" {
		s, err := guard.NewJSONLAuditSink(jsonlPath, cfg.Audit.RotateMaxBytes)
		if err != nil {
			log.Warn("approval_audit_sink_error", "error", err.Error())
		} else {
			sink = s
		}
	}

	opts := []guard.ManagerOption{
		guard.WithLogger(log),
		guard.WithMetrics(mt),
		guard.WithAuditSink(sink),
		guard.WithTTL(cfg.Approvals.TTL),
		guard.WithSweepInterval(cfg.Approvals.SweepInterval),
		guard.OnExpired(onExpired),
	}
	if cfg.Redaction.Enabled {
		opts = append(opts, guard.WithRedactor(guard.NewRedactor(cfg.Redaction)))
	}
	var history guard.ApprovalHistory
	if cfg.Approvals.HistoryEnabled && sqlDB != nil {
		h, err := guard.NewSQLiteApprovalHistoryFromDB(sqlDB)
		if err != nil {
			log.Warn("approval_history_error", "error", err.Error())
		} else {
			opts = append(opts, guard.WithHistory(h))
			history = h
		}
	}

	log.Info("approvals_configured",
		"ttl", cfg.Approvals.TTL.String(),
		"audit_jsonl", jsonlPath,
		"history_enabled", history != nil,
	)
	return guard.NewApprovalManager(opts...), sink, history
}
