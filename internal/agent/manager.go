package agent

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// Manager owns the supervisors, one per touched worktree, and fans
// shutdown out to all of them. It also implements the stopper hook the
// worktree manager calls before removing a worktree directory.
type Manager struct {
	store      storage.Store
	runner     sandbox.Runner
	sessions   *session.Service
	worktrees  *worktree.Manager
	workspaces *workspace.Service
	registry   *Registry
	auditor    *audit.Recorder
	bus        bus.EventBus
	cfg        *config.Config
	logger     *logger.Logger
	baseCtx    context.Context
	newProcess func(cmd *exec.Cmd, log *logger.Logger) (*process, error)

	mu        sync.Mutex
	sups      map[string]*Supervisor
	publisher worktree.EventPublisher
	draining  bool
}

var _ worktree.AgentStopper = (*Manager)(nil)

// NewManager creates the agent manager. ctx bounds the lifetime of
// every spawned subprocess.
func NewManager(ctx context.Context, store storage.Store, runner sandbox.Runner, sessions *session.Service, worktrees *worktree.Manager, workspaces *workspace.Service, registry *Registry, auditor *audit.Recorder, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:      store,
		runner:     runner,
		sessions:   sessions,
		worktrees:  worktrees,
		workspaces: workspaces,
		registry:   registry,
		auditor:    auditor,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "agent")),
		baseCtx:    ctx,
		newProcess: startProcess,
		sups:       make(map[string]*Supervisor),
	}
}

// SetPublisher wires the event router in. Supervisors created before
// this is called publish nowhere.
func (m *Manager) SetPublisher(p worktree.EventPublisher) { m.publisher = p }

// Registry exposes the provider registry for the models endpoint.
func (m *Manager) Registry() *Registry { return m.registry }

// SendUserMessage applies the turn discipline for one worktree,
// spawning the agent first when the worktree is dormant.
func (m *Manager) SendUserMessage(ctx context.Context, sessionID, worktreeID, text string, attachments []protocol.Attachment) error {
	s, err := m.supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdUserMessage, text: text, attachments: attachments})
}

// Interrupt cancels the in-flight turn, escalating to process group
// signals when the agent does not yield.
func (m *Manager) Interrupt(ctx context.Context, sessionID, worktreeID, turnID string) error {
	s, err := m.supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdInterrupt, turnID: turnID})
}

// WakeUp re-runs the spawn flow for a stopped worktree.
func (m *Manager) WakeUp(ctx context.Context, sessionID, worktreeID string) error {
	s, err := m.supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdWakeUp})
}

// StartWorktree spawns the agent for a freshly created worktree. The
// worktree stays creating until the agent's first ready event.
func (m *Manager) StartWorktree(ctx context.Context, sessionID, worktreeID string) error {
	return m.WakeUp(ctx, sessionID, worktreeID)
}

// SwitchProvider forwards a provider/model switch to the agent.
func (m *Manager) SwitchProvider(ctx context.Context, sessionID, worktreeID, provider, model string) error {
	s, err := m.supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdSwitchProvider, provider: provider, model: model})
}

// ForwardAuth relays a client auth frame to the agent.
func (m *Manager) ForwardAuth(ctx context.Context, sessionID, worktreeID, token string) error {
	s, err := m.supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdAuth, token: token})
}

// Ping relays a client keepalive to the agent. Worktrees without a
// running agent ignore it.
func (m *Manager) Ping(ctx context.Context, sessionID, worktreeID string) error {
	m.mu.Lock()
	s := m.sups[sessionID+"/"+worktreeID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.do(ctx, command{kind: cmdPing})
}

// StopWorktree tears the worktree's agent down and forgets the
// supervisor. Called by the worktree manager before close.
func (m *Manager) StopWorktree(ctx context.Context, sessionID, worktreeID string) {
	key := sessionID + "/" + worktreeID
	m.mu.Lock()
	s := m.sups[key]
	delete(m.sups, key)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	select {
	case <-s.Done():
	case <-ctx.Done():
		m.logger.Warn("timed out waiting for agent stop",
			zap.String("session_id", sessionID),
			zap.String("worktree_id", worktreeID))
	}
}

// Shutdown stops every supervisor: SIGTERM fan-out, grace, SIGKILL.
// New supervisors are refused once draining starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.sups = make(map[string]*Supervisor)
	m.mu.Unlock()

	for _, s := range sups {
		s.Stop()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sups {
		g.Go(func() error {
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("all agents stopped", zap.Int("count", len(sups)))
	return nil
}

// supervisor returns the worktree's supervisor, creating and starting
// one on first touch.
func (m *Manager) supervisor(ctx context.Context, sessionID, worktreeID string) (*Supervisor, error) {
	key := sessionID + "/" + worktreeID
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, apierr.Conflict("server is shutting down")
	}
	if s, ok := m.sups[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	wt, err := m.worktrees.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	if wt.Status == protocol.WorktreeClosed {
		return nil, apierr.Conflict("worktree %s is closed", worktreeID)
	}
	// First touch means no process exists, so a processing or merging
	// status is a leftover from a previous server run.
	if wt.Status == protocol.WorktreeProcessing || wt.Status == protocol.WorktreeMerging {
		if uerr := m.worktrees.UpdateStatus(ctx, sessionID, worktreeID, protocol.WorktreeStopped); uerr == nil {
			wt.Status = protocol.WorktreeStopped
		}
	}
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return nil, apierr.Conflict("server is shutting down")
	}
	if s, ok := m.sups[key]; ok {
		return s, nil
	}
	s := m.buildSupervisor(sess.WorkspaceID, wt)
	m.sups[key] = s
	go s.loop()
	return s, nil
}

func (m *Manager) buildSupervisor(workspaceID string, wt *storage.Worktree) *Supervisor {
	spawnTimeout := m.cfg.Agent.SpawnTimeoutDuration()
	if spawnTimeout <= 0 {
		spawnTimeout = 30 * time.Second
	}
	killGrace := m.cfg.Agent.CancelGraceDuration()
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Supervisor{
		workspaceID:   workspaceID,
		sessionID:     wt.SessionID,
		worktreeID:    wt.WorktreeID,
		provider:      wt.Provider,
		state:         wt.Status,
		store:         m.store,
		runner:        m.runner,
		sessions:      m.sessions,
		worktrees:     m.worktrees,
		workspaces:    m.workspaces,
		registry:      m.registry,
		auditor:       m.auditor,
		bus:           m.bus,
		publisher:     m.publisher,
		logger:        m.logger.WithSessionID(wt.SessionID).WithWorktreeID(wt.WorktreeID),
		baseCtx:       m.baseCtx,
		spawnTimeout:  spawnTimeout,
		killGrace:     killGrace,
		pingInterval:  m.cfg.Agent.PingIntervalDuration(),
		interruptWait: interruptAckWait,
		newProcess:    m.newProcess,
		now:           time.Now,
		commands:      make(chan command),
		frames:        make(chan frame, 16),
		stopSignal:    make(chan struct{}),
		doneLoop:      make(chan struct{}),
		buffers:       make(map[string]*strings.Builder),
		bufferItems:   make(map[string]string),
	}
}
