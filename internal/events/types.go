// Package events defines the bus subjects Vibe80 components publish
// and subscribe to, the provider that selects the bus backend, and the
// session-scoped Router that fans ordered protocol events out to
// websocket subscribers.
package events

// Audit subjects. One subject per audit event name; the recorder
// subscribes to AuditAll and persists each event.
const (
	AuditAll    = "audit.>"
	auditPrefix = "audit."
)

// AuditSubject returns the bus subject for an audit event name.
func AuditSubject(event string) string {
	return auditPrefix + event
}

// Event types for agent turns
const (
	TurnStarted   = "agent.turn_started"
	TurnCompleted = "agent.turn_completed"
	TurnError     = "agent.turn_error"
	BusyRejected  = "agent.busy_rejected"
	AgentCrashed  = "agent.crashed"
	AgentSpawned  = "agent.spawned"
)

// Event types for the event router
const (
	SlowConsumerDropped = "router.slow_consumer"
)

// Event types for sessions and worktrees
const (
	SessionCreated = "session.created"
	SessionDeleted = "session.deleted"
	WorktreeOpened = "worktree.opened"
	WorktreeClosed = "worktree.closed"
)
