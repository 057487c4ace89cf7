package audit

import (
	"context"
	"sync/atomic"

	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
)

// Metrics holds the process-wide counters exposed on /api/metrics.
// Counters only increase; the snapshot is a point-in-time read.
type Metrics struct {
	logins            atomic.Int64
	loginFailures     atomic.Int64
	refreshReuses     atomic.Int64
	sessionsCreated   atomic.Int64
	worktreesCreated  atomic.Int64
	worktreesClosed   atomic.Int64
	turnsStarted      atomic.Int64
	turnsCompleted    atomic.Int64
	turnErrors        atomic.Int64
	busyRejections    atomic.Int64
	slowConsumerDrops atomic.Int64
	agentCrashes      atomic.Int64
	agentSpawnFails   atomic.Int64
}

// Snapshot is the wire shape of a metrics read.
type Snapshot struct {
	Logins            int64 `json:"logins"`
	LoginFailures     int64 `json:"loginFailures"`
	RefreshReuses     int64 `json:"refreshReuses"`
	SessionsCreated   int64 `json:"sessionsCreated"`
	WorktreesCreated  int64 `json:"worktreesCreated"`
	WorktreesClosed   int64 `json:"worktreesClosed"`
	TurnsStarted      int64 `json:"turnsStarted"`
	TurnsCompleted    int64 `json:"turnsCompleted"`
	TurnErrors        int64 `json:"turnErrors"`
	BusyRejections    int64 `json:"busyRejections"`
	SlowConsumerDrops int64 `json:"slowConsumerDrops"`
	AgentCrashes      int64 `json:"agentCrashes"`
	AgentSpawnFails   int64 `json:"agentSpawnFails"`
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Observe subscribes the counters to the bus subjects that feed them.
func (m *Metrics) Observe(eventBus bus.EventBus) error {
	subjects := []string{
		events.AuditAll,
		events.TurnStarted,
		events.TurnCompleted,
		events.TurnError,
		events.BusyRejected,
		events.AgentCrashed,
		events.SlowConsumerDropped,
	}
	for _, subject := range subjects {
		if _, err := eventBus.Subscribe(subject, m.handle); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) handle(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case EventWorkspaceLoginSuccess:
		m.logins.Add(1)
	case EventWorkspaceLoginFailed:
		m.loginFailures.Add(1)
	case EventRefreshTokenReused:
		m.refreshReuses.Add(1)
	case EventSessionCreated:
		m.sessionsCreated.Add(1)
	case EventWorktreeCreated:
		m.worktreesCreated.Add(1)
	case EventWorktreeClosed:
		m.worktreesClosed.Add(1)
	case EventAgentSpawnFailed:
		m.agentSpawnFails.Add(1)
	case events.TurnStarted:
		m.turnsStarted.Add(1)
	case events.TurnCompleted:
		m.turnsCompleted.Add(1)
	case events.TurnError:
		m.turnErrors.Add(1)
	case events.BusyRejected:
		m.busyRejections.Add(1)
	case events.AgentCrashed:
		m.agentCrashes.Add(1)
	case events.SlowConsumerDropped:
		m.slowConsumerDrops.Add(1)
	}
	return nil
}

// Snapshot reads all counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Logins:            m.logins.Load(),
		LoginFailures:     m.loginFailures.Load(),
		RefreshReuses:     m.refreshReuses.Load(),
		SessionsCreated:   m.sessionsCreated.Load(),
		WorktreesCreated:  m.worktreesCreated.Load(),
		WorktreesClosed:   m.worktreesClosed.Load(),
		TurnsStarted:      m.turnsStarted.Load(),
		TurnsCompleted:    m.turnsCompleted.Load(),
		TurnErrors:        m.turnErrors.Load(),
		BusyRejections:    m.busyRejections.Load(),
		SlowConsumerDrops: m.slowConsumerDrops.Load(),
		AgentCrashes:      m.agentCrashes.Load(),
		AgentSpawnFails:   m.agentSpawnFails.Load(),
	}
}
