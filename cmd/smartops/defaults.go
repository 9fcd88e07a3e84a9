package main

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults() {
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.endpoint", "https://api.openai.com/v1")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.api_key_ref", "")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.request_timeout", 90*time.Second)

	viper.SetDefault("mcp.servers", []map[string]any{})
	viper.SetDefault("mcp.default_server", "aws")
	viper.SetDefault("mcp.timeout", 30*time.Second)
	viper.SetDefault("mcp.max_response_bytes", int64(8<<20))
	viper.SetDefault("mcp.schema_cache_size", 256)
	viper.SetDefault("mcp.retry.max_retries", 3)
	viper.SetDefault("mcp.retry.base_delay", time.Second)
	viper.SetDefault("mcp.retry.max_delay", 16*time.Second)
	viper.SetDefault("mcp.retry.multiplier", 2.0)
	viper.SetDefault("mcp.retry.max_total_delay", 60*time.Second)
	viper.SetDefault("mcp.retry.jitter", 0.25)

	viper.SetDefault("ratelimit.rate_per_second", 15.0)
	viper.SetDefault("ratelimit.burst", 30)
	viper.SetDefault("ratelimit.max_concurrent", 8)
	viper.SetDefault("ratelimit.failure_threshold", 100)
	viper.SetDefault("ratelimit.cooldown", 10*time.Second)

	viper.SetDefault("approvals.ttl", 15*time.Minute)
	viper.SetDefault("approvals.sweep_interval", 60*time.Second)
	viper.SetDefault("approvals.audit.jsonl_path", "")
	viper.SetDefault("approvals.audit.rotate_max_bytes", int64(10<<20))
	viper.SetDefault("approvals.history.enabled", false)
	viper.SetDefault("approvals.redaction.enabled", true)
	viper.SetDefault("approvals.redaction.patterns", []map[string]string{})

	viper.SetDefault("tracker.tick", time.Second)
	viper.SetDefault("tracker.initial_delay", 3*time.Second)
	viper.SetDefault("tracker.max_delay", 10*time.Second)
	viper.SetDefault("tracker.backoff_factor", 1.2)
	viper.SetDefault("tracker.default_timeout", 15*time.Minute)
	viper.SetDefault("tracker.retention", time.Hour)
	viper.SetDefault("tracker.max_concurrent_polls", 8)
	viper.SetDefault("tracker.status_tool", "aws___get-command-invocation")

	viper.SetDefault("agent.max_iterations", 10)
	viper.SetDefault("agent.system_prompt", "")
	viper.SetDefault("agent.write_tools", []string{"send-command"})
	viper.SetDefault("agent.write_prefixes", []string{
		"start-", "stop-", "reboot-", "terminate-",
		"delete-", "create-", "modify-", "update-", "put-", "attach-", "detach-",
	})
	viper.SetDefault("agent.long_running_tools", []string{"send-command"})

	viper.SetDefault("session.store", "memory")

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "")
	viper.SetDefault("db.pool.max_open_conns", 1)
	viper.SetDefault("db.pool.max_idle_conns", 1)
	viper.SetDefault("db.pool.conn_max_lifetime", time.Duration(0))
	viper.SetDefault("db.sqlite.busy_timeout_ms", 5000)
	viper.SetDefault("db.sqlite.wal", true)
	viper.SetDefault("db.sqlite.foreign_keys", true)

	viper.SetDefault("inventory.path", "")
	viper.SetDefault("metrics.listen", "")
	viper.SetDefault("secrets.aliases", map[string]string{})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
