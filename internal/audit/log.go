package audit

import (
	"context"

	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
)

// LogSink writes audit records to the request logger.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, tenantID, action, actorID string, metadata map[string]any) {
	logging.FromContext(ctx).Info("audit",
		"tenant_id", tenantID,
		"action", action,
		"actor_id", actorID,
		"metadata", metadata,
	)
}
