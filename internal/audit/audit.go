// Package audit implements the append-only audit trail and the
// in-process metrics counters. Services record audit events through the
// Recorder, which persists them and republishes them on the event bus
// so the metrics collector (and anything else listening) can react.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/storage"
)

// Audit event names.
const (
	EventWorkspaceLoginSuccess  = "workspace_login_success"
	EventWorkspaceLoginFailed   = "workspace_login_failed"
	EventWorkspaceSecretRotated = "workspace_secret_rotated"
	EventWorkspaceUpdated       = "workspace_updated"
	EventSessionCreated         = "session_created"
	EventWorktreeCreated        = "worktree_created"
	EventWorktreeClosed         = "worktree_closed"
	EventAgentSpawnFailed       = "agent_spawn_failed"
	EventRefreshTokenReused     = "refresh_token_reused"
)

// Recorder writes audit events. Writes are synchronous so a caller that
// just detected something security-relevant (refresh reuse, failed
// login) knows the record exists before it responds.
type Recorder struct {
	store  storage.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewRecorder creates a Recorder. eventBus may be nil; republishing is
// then skipped.
func NewRecorder(store storage.Store, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "audit")),
	}
}

// Record appends an audit event. Failures are logged, not returned:
// an audit write problem must not fail the operation being audited.
func (r *Recorder) Record(ctx context.Context, workspaceID, event string, details map[string]any) {
	record := &storage.AuditEvent{
		ID:          uuid.New().String(),
		TS:          time.Now().UnixMilli(),
		WorkspaceID: workspaceID,
		Event:       event,
		Details:     details,
	}
	if err := r.store.AppendAuditEvent(ctx, record); err != nil {
		r.logger.Error("failed to append audit event",
			zap.String("workspace_id", workspaceID),
			zap.String("event", event),
			zap.Error(err))
		return
	}

	if r.bus != nil {
		data := map[string]any{"workspaceId": workspaceID}
		for k, v := range details {
			data[k] = v
		}
		if err := r.bus.Publish(ctx, events.AuditSubject(event), bus.NewEvent(event, "audit", data)); err != nil {
			r.logger.Warn("failed to publish audit event",
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// List returns up to limit audit events for a workspace in
// chronological order.
func (r *Recorder) List(ctx context.Context, workspaceID string, limit int) ([]*storage.AuditEvent, error) {
	return r.store.ListAuditEvents(ctx, workspaceID, limit)
}
