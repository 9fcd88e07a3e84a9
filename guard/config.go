package guard

import "time"

const (
	DefaultApprovalTTL   = 15 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

type Config struct {
	Redaction RedactionConfig
	Audit     AuditConfig
	Approvals ApprovalsConfig
}

type RedactionConfig struct {
	Enabled  bool
	Patterns []RegexPattern
}

type RegexPattern struct {
	Name string `mapstructure:"name"`
	Re   string `mapstructure:"re"`
}

type AuditConfig struct {
	JSONLPath      string
	RotateMaxBytes int64
}

type ApprovalsConfig struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	HistoryEnabled bool
}
