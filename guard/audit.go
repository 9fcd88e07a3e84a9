package guard

import "context"

type AuditSink interface {
	Emit(ctx context.Context, e AuditEvent) error
	Close() error
}

// NopAuditSink discards events.
type NopAuditSink struct{}

func (NopAuditSink) Emit(context.Context, AuditEvent) error { return nil }
func (NopAuditSink) Close() error { return nil }
