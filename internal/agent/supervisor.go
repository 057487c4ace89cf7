package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

const (
	// interruptAckWait is how long a forwarded interrupt may take
	// before the process group is signalled.
	interruptAckWait = 2 * time.Second

	// mergeCommand in a chat message merges the worktree branch back
	// into the session branch instead of starting an agent turn.
	mergeCommand = "/merge"

	// crashSuffix closes a partial assistant message whose delta
	// stream never finished.
	crashSuffix = "\n\n[error: the agent exited before completing this message]"

	snapshotTimeout = 30 * time.Second
)

type commandKind int

const (
	cmdUserMessage commandKind = iota
	cmdInterrupt
	cmdWakeUp
	cmdSwitchProvider
	cmdAuth
	cmdPing
	cmdRefresh
)

// command is one request posted into the supervisor loop.
type command struct {
	kind        commandKind
	text        string
	attachments []protocol.Attachment
	provider    string
	model       string
	token       string
	turnID      string
	reply       chan error
}

// frame is one parsed line from the agent's stdout, tagged with the
// spawn generation so frames from a dead process are dropped.
type frame struct {
	gen int
	msg *protocol.RPCMessage
}

// Supervisor drives one worktree's agent subprocess. All mutable state
// is owned by the loop goroutine; everything else talks to it through
// the command channel. Stdin writes additionally take a mutex so no
// two frames ever interleave on the wire.
type Supervisor struct {
	workspaceID string
	sessionID   string
	worktreeID  string

	store      storage.Store
	runner     sandbox.Runner
	sessions   *session.Service
	worktrees  *worktree.Manager
	workspaces *workspace.Service
	registry   *Registry
	auditor    *audit.Recorder
	bus        bus.EventBus
	publisher  worktree.EventPublisher
	logger     *logger.Logger

	baseCtx       context.Context
	spawnTimeout  time.Duration
	killGrace     time.Duration
	pingInterval  time.Duration
	interruptWait time.Duration
	newProcess    func(cmd *exec.Cmd, log *logger.Logger) (*process, error)
	now           func() time.Time

	commands   chan command
	frames     chan frame
	stopSignal chan struct{}
	stopOnce   sync.Once
	doneLoop   chan struct{}
	stdinMu    sync.Mutex

	// Loop-owned state below. Never touched outside the loop.
	proc               *process
	state              string
	provider           string
	threadID           string
	spawnGen           int
	spawnPending       bool
	spawnToken         string
	spawnDeadline      <-chan time.Time
	killDeadline       <-chan time.Time
	killStage          int
	stopping           bool
	currentTurnID      string
	hasPending         bool
	pendingText        string
	pendingAttachments []protocol.Attachment
	buffers            map[string]*strings.Builder
	bufferItems        map[string]string
	pingSeq            int64
}

// Stop asks the loop to tear the subprocess down and exit. Safe to
// call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopSignal) })
}

// Done is closed once the loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneLoop }

// do posts a command into the loop and waits for its reply.
func (s *Supervisor) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.commands <- cmd:
	case <-s.stopSignal:
		return apierr.Conflict("worktree %s agent is shutting down", s.worktreeID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneLoop:
		return apierr.Conflict("worktree %s agent is shutting down", s.worktreeID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loop() {
	defer close(s.doneLoop)

	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case fr := <-s.frames:
			if fr.gen == s.spawnGen {
				s.handleFrame(fr.msg)
			}
		case err := <-s.procDone():
			s.handleExit(err)
		case <-s.spawnDeadline:
			s.handleSpawnTimeout()
		case <-s.killDeadline:
			s.handleKillDeadline()
		case <-pingC:
			s.sendPing()
		case <-s.stopSignal:
			s.teardown()
			return
		}
	}
}

// procDone returns the live process's exit channel, or nil so the
// select case stays disabled while no process runs.
func (s *Supervisor) procDone() <-chan error {
	if s.proc == nil {
		return nil
	}
	return s.proc.done
}

func (s *Supervisor) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdUserMessage:
		err = s.acceptUserMessage(cmd.text, cmd.attachments)
	case cmdInterrupt:
		err = s.interrupt(cmd.turnID)
	case cmdWakeUp:
		err = s.wake()
	case cmdSwitchProvider:
		err = s.switchProvider(cmd.provider, cmd.model)
	case cmdAuth:
		err = s.forwardAuth(cmd.token)
	case cmdPing:
		s.sendPing()
	case cmdRefresh:
		s.reloadState()
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// acceptUserMessage applies the turn discipline: exactly one in-flight
// turn per worktree, accepted only from ready, idle, or completed.
func (s *Supervisor) acceptUserMessage(text string, attachments []protocol.Attachment) error {
	if strings.TrimSpace(text) == mergeCommand {
		return s.startMerge()
	}
	if s.hasPending || !s.canAcceptTurn() {
		s.busPublish(events.BusyRejected, map[string]any{"state": s.state})
		return &apierr.Error{Kind: apierr.KindConflict, Code: protocol.CodeBusy, Message: "worktree is busy"}
	}

	s.pendingText = text
	s.pendingAttachments = attachments
	s.hasPending = true

	if s.proc == nil {
		if err := s.spawn(); err != nil {
			s.clearPending()
			if !apierr.IsKind(err, apierr.KindValidation) {
				s.failSpawn(err)
			}
			return err
		}
		// Forwarded from onReady once the agent reports in.
		return nil
	}
	return s.sendUserMessage(text, attachments)
}

func (s *Supervisor) canAcceptTurn() bool {
	switch s.state {
	case protocol.WorktreeReady, protocol.WorktreeIdle, protocol.WorktreeCompleted:
		return true
	}
	return false
}

func (s *Supervisor) clearPending() {
	s.hasPending = false
	s.pendingText = ""
	s.pendingAttachments = nil
}

// sendUserMessage mints a turn id and forwards the message. The text
// itself is not persisted until the agent opens the turn.
func (s *Supervisor) sendUserMessage(text string, attachments []protocol.Attachment) error {
	msg, err := protocol.NewNotification(protocol.MethodUserMessage, protocol.UserMessageParams{
		Text:        text,
		Attachments: attachments,
		TurnID:      ids.NewTurnID(),
	})
	if err != nil {
		return apierr.Internal("failed to encode user message", err)
	}
	if err := s.writeFrame(msg); err != nil {
		return apierr.External(fmt.Sprintf("failed to reach agent: %v", err), nil)
	}
	return nil
}

// startMerge runs the branch merge instead of an agent turn. The git
// work happens off-loop; a refresh command resyncs the state mirror
// when it finishes.
func (s *Supervisor) startMerge() error {
	if s.worktreeID == protocol.MainWorktreeID {
		return apierr.Validation("the main worktree has nothing to merge into")
	}
	if s.hasPending || !s.canAcceptTurn() {
		s.busPublish(events.BusyRejected, map[string]any{"state": s.state})
		return &apierr.Error{Kind: apierr.KindConflict, Code: protocol.CodeBusy, Message: "worktree is busy"}
	}
	s.state = protocol.WorktreeMerging
	go func() {
		if err := s.worktrees.Merge(s.baseCtx, s.sessionID, s.worktreeID); err != nil {
			s.logger.Error("merge failed", zap.Error(err))
		}
		s.postRefresh()
	}()
	return nil
}

func (s *Supervisor) postRefresh() {
	select {
	case s.commands <- command{kind: cmdRefresh}:
	case <-s.stopSignal:
	}
}

func (s *Supervisor) reloadState() {
	wt, err := s.worktrees.Get(s.baseCtx, s.sessionID, s.worktreeID)
	if err != nil {
		s.logger.Warn("failed to reload worktree state", zap.Error(err))
		return
	}
	s.state = wt.Status
}

// interrupt forwards the cancel to the agent, then escalates: SIGTERM
// to the process group after the ack window, SIGKILL after the grace.
func (s *Supervisor) interrupt(turnID string) error {
	if s.proc == nil || s.state != protocol.WorktreeProcessing {
		return nil
	}
	if turnID == "" {
		turnID = s.currentTurnID
	}
	s.stopping = true
	if msg, err := protocol.NewNotification(protocol.MethodInterrupt, protocol.InterruptParams{TurnID: turnID}); err == nil {
		if werr := s.writeFrame(msg); werr != nil {
			s.logger.Warn("failed to forward interrupt", zap.Error(werr))
		}
	}
	s.killStage = 1
	s.killDeadline = time.After(s.interruptWait)
	s.logger.Info("interrupt requested", zap.String("turn_id", turnID))
	return nil
}

func (s *Supervisor) handleKillDeadline() {
	s.killDeadline = nil
	if s.proc == nil {
		s.killStage = 0
		return
	}
	switch s.killStage {
	case 1:
		_ = s.proc.signal(syscall.SIGTERM)
		s.killStage = 2
		s.killDeadline = time.After(s.killGrace)
	case 2:
		_ = s.proc.signal(syscall.SIGKILL)
		s.killStage = 3
	}
}

// wake re-runs the spawn flow for a dormant worktree.
func (s *Supervisor) wake() error {
	if s.proc != nil {
		return nil
	}
	if err := s.spawn(); err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) {
			s.failSpawn(err)
		}
		return err
	}
	return nil
}

func (s *Supervisor) switchProvider(provider, model string) error {
	if s.proc == nil {
		return apierr.Conflict("worktree %s has no running agent", s.worktreeID)
	}
	msg, err := protocol.NewNotification(protocol.MethodSwitchProvider, protocol.SwitchProviderParams{
		Provider: provider,
		Model:    model,
	})
	if err != nil {
		return apierr.Internal("failed to encode switch_provider", err)
	}
	if err := s.writeFrame(msg); err != nil {
		return apierr.External(fmt.Sprintf("failed to reach agent: %v", err), nil)
	}
	return nil
}

func (s *Supervisor) forwardAuth(token string) error {
	if s.proc == nil {
		return nil
	}
	msg, err := protocol.NewNotification(protocol.MethodAuth, protocol.AuthParams{Token: token})
	if err != nil {
		return apierr.Internal("failed to encode auth", err)
	}
	if err := s.writeFrame(msg); err != nil {
		return apierr.External(fmt.Sprintf("failed to reach agent: %v", err), nil)
	}
	return nil
}

// spawn launches the agent subprocess through the sandbox runner with
// the worktree as cwd, the credential material in env and files, and
// the network policy from the worktree config.
func (s *Supervisor) spawn() error {
	setupCtx, cancel := context.WithTimeout(s.baseCtx, s.spawnTimeout)
	defer cancel()

	sess, err := s.sessions.Get(setupCtx, s.sessionID)
	if err != nil {
		return err
	}
	wt, err := s.worktrees.Get(setupCtx, s.sessionID, s.worktreeID)
	if err != nil {
		return err
	}
	if wt.Status == protocol.WorktreeClosed {
		return apierr.Conflict("worktree %s is closed", s.worktreeID)
	}
	ws, err := s.workspaces.Get(setupCtx, s.workspaceID)
	if err != nil {
		return err
	}
	def, err := s.registry.Lookup(wt.Provider)
	if err != nil {
		return err
	}
	s.provider = wt.Provider

	configDir := filepath.Join(sess.LogsDir, "agent", s.worktreeID)
	tmpDir := filepath.Join(sess.LogsDir, "tmp", s.worktreeID)
	creds, err := s.materialiseCredentials(setupCtx, ws, def, configDir, wt.Config.DenyCredentials)
	if err != nil {
		return err
	}
	if err := s.ensureDir(setupCtx, tmpDir, "0700"); err != nil {
		return err
	}

	workDir := s.worktrees.Dir(sess, s.worktreeID)
	spec := sandbox.NewSpec(s.workspaceID, def.Command, def.Args...)
	spec.Cwd = workDir
	spec.Env = append([]string{"TERM=xterm-256color", "TMPDIR=" + tmpDir}, creds.env...)
	spec.AllowRW = []string{workDir, sess.AttachmentsDir, tmpDir}
	if workDir != sess.RepositoryDir {
		spec.AllowRO = []string{sess.RepositoryDir}
	}
	spec.AllowROFile = creds.roFiles
	if wt.Config.InternetAccess {
		spec.Net = "tcp:443"
	}

	// The command binds to the base context, not the setup context:
	// the process must outlive this call.
	cmd := s.runner.Command(s.baseCtx, spec)
	proc, err := s.newProcess(cmd, s.logger)
	if err != nil {
		return apierr.External(fmt.Sprintf("agent failed to spawn: %v", err), nil)
	}
	s.proc = proc
	s.spawnGen++
	s.spawnPending = true
	s.spawnDeadline = time.After(s.spawnTimeout)
	s.spawnToken = ids.NewSecret()
	go s.readFrames(proc, s.spawnGen)

	if msg, err := protocol.NewNotification(protocol.MethodAuth, protocol.AuthParams{Token: s.spawnToken}); err == nil {
		if werr := s.writeFrame(msg); werr != nil {
			s.logger.Warn("failed to send auth frame", zap.Error(werr))
		}
	}
	s.logger.Info("agent spawned",
		zap.String("provider", s.provider),
		zap.Int("pid", proc.pid))
	s.busPublish(events.AgentSpawned, map[string]any{"provider": s.provider})
	return nil
}

func (s *Supervisor) failSpawn(err error) {
	s.logger.Error("agent spawn failed",
		zap.String("provider", s.provider),
		zap.Error(err))
	s.setStatus(protocol.WorktreeError)
	s.auditor.Record(s.baseCtx, s.workspaceID, audit.EventAgentSpawnFailed, map[string]any{
		"sessionId":  s.sessionID,
		"worktreeId": s.worktreeID,
		"provider":   s.provider,
		"error":      err.Error(),
	})
}

func (s *Supervisor) handleSpawnTimeout() {
	s.spawnDeadline = nil
	if !s.spawnPending || s.proc == nil {
		return
	}
	s.failSpawn(errors.New("spawn deadline exceeded"))
	s.spawnPending = false
	s.stopping = true
	_ = s.proc.signal(syscall.SIGKILL)
}

// readFrames is the dedicated stdout reader: one line, one JSON-RPC
// message. Unparseable lines are dropped with a warning so a chatty
// agent cannot wedge the stream.
func (s *Supervisor) readFrames(p *process, gen int) {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg protocol.RPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("dropping unparseable agent frame", zap.Error(err))
			continue
		}
		select {
		case s.frames <- frame{gen: gen, msg: &msg}:
		case <-s.stopSignal:
			return
		}
	}
}

func (s *Supervisor) handleFrame(msg *protocol.RPCMessage) {
	if msg.Method == "" {
		// Response to an injected ping; nothing correlates them.
		return
	}
	switch msg.Method {
	case protocol.EventReady:
		var p protocol.Ready
		if s.decode(msg, &p) {
			s.onReady(&p)
		}
	case protocol.EventTurnStarted:
		var p protocol.TurnStarted
		if s.decode(msg, &p) {
			s.onTurnStarted(&p)
		}
	case protocol.EventAssistantDelta:
		var p protocol.AssistantDelta
		if s.decode(msg, &p) {
			s.onAssistantDelta(&p)
		}
	case protocol.EventAssistantMessage:
		var p protocol.AssistantMessage
		if s.decode(msg, &p) {
			s.onAssistantMessage(&p)
		}
	case protocol.EventTurnCompleted:
		var p protocol.TurnCompleted
		if s.decode(msg, &p) {
			s.onTurnCompleted(&p)
		}
	case protocol.EventTurnError:
		var p protocol.TurnError
		if s.decode(msg, &p) {
			s.onTurnError(&p)
		}
	case protocol.EventCommandExecutionDelta:
		var p protocol.CommandExecutionDelta
		if s.decode(msg, &p) {
			p.Type = protocol.EventCommandExecutionDelta
			p.WorktreeID = s.worktreeID
			s.publish(&p)
		}
	case protocol.EventCommandExecutionCompleted:
		var p protocol.CommandExecutionCompleted
		if s.decode(msg, &p) {
			s.onCommandExecutionCompleted(&p)
		}
	case protocol.EventRepoDiff:
		var p protocol.RepoDiff
		if s.decode(msg, &p) {
			p.Type = protocol.EventRepoDiff
			p.WorktreeID = s.diffWorktreeID()
			s.publish(&p)
		}
	case protocol.EventModelList:
		var p protocol.ModelList
		if s.decode(msg, &p) {
			p.Type = protocol.EventModelList
			p.WorktreeID = s.worktreeID
			s.publish(&p)
		}
	case protocol.EventModelSet:
		var p protocol.ModelSet
		if s.decode(msg, &p) {
			s.onModelSet(&p)
		}
	default:
		s.logger.Warn("unknown agent frame", zap.String("method", msg.Method))
	}
}

func (s *Supervisor) decode(msg *protocol.RPCMessage, v any) bool {
	if len(msg.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		s.logger.Warn("bad agent frame params",
			zap.String("method", msg.Method),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Supervisor) onReady(p *protocol.Ready) {
	s.spawnDeadline = nil
	s.spawnPending = false
	s.threadID = p.ThreadID
	s.setStatus(protocol.WorktreeReady)
	s.publish(protocol.NewReady(s.worktreeID, p.ThreadID, s.provider))
	if s.hasPending {
		if err := s.sendUserMessage(s.pendingText, s.pendingAttachments); err != nil {
			s.logger.Error("failed to forward held message", zap.Error(err))
			s.clearPending()
		}
	}
}

func (s *Supervisor) onTurnStarted(p *protocol.TurnStarted) {
	s.currentTurnID = p.TurnID
	if s.hasPending {
		s.persistMessage(&storage.Message{
			ID:          ids.NewMessageID(),
			SessionID:   s.sessionID,
			WorktreeID:  s.worktreeID,
			Role:        protocol.RoleUser,
			Text:        s.pendingText,
			Attachments: s.pendingAttachments,
			Timestamp:   s.now().UnixMilli(),
		}, true)
		s.clearPending()
	}
	s.setStatus(protocol.WorktreeProcessing)
	s.sessions.TouchActivity(s.baseCtx, s.sessionID)
	s.publish(protocol.NewTurnStarted(s.worktreeID, p.TurnID))
	s.busPublish(events.TurnStarted, map[string]any{"turnId": p.TurnID})
}

func (s *Supervisor) onAssistantDelta(p *protocol.AssistantDelta) {
	buf, ok := s.buffers[p.TurnID]
	if !ok {
		buf = &strings.Builder{}
		s.buffers[p.TurnID] = buf
	}
	buf.WriteString(p.Delta)
	s.bufferItems[p.TurnID] = p.ItemID
	s.publish(protocol.NewAssistantDelta(s.worktreeID, p.TurnID, p.ItemID, p.Delta))
}

func (s *Supervisor) onAssistantMessage(p *protocol.AssistantMessage) {
	delete(s.buffers, p.TurnID)
	delete(s.bufferItems, p.TurnID)
	s.persistMessage(&storage.Message{
		ID:         ids.NewMessageID(),
		SessionID:  s.sessionID,
		WorktreeID: s.worktreeID,
		Role:       protocol.RoleAssistant,
		Text:       p.Text,
		Timestamp:  s.now().UnixMilli(),
	}, false)
	s.publish(protocol.NewAssistantMessage(s.worktreeID, p.TurnID, p.ItemID, p.Text))
}

func (s *Supervisor) onTurnCompleted(p *protocol.TurnCompleted) {
	delete(s.buffers, p.TurnID)
	delete(s.bufferItems, p.TurnID)
	s.currentTurnID = ""
	s.setStatus(protocol.WorktreeCompleted)
	s.sessions.TouchActivity(s.baseCtx, s.sessionID)
	s.publish(protocol.NewTurnCompleted(s.worktreeID, p.TurnID, p.Status))
	s.busPublish(events.TurnCompleted, map[string]any{"turnId": p.TurnID, "status": p.Status})
	go s.snapshot()
}

func (s *Supervisor) onTurnError(p *protocol.TurnError) {
	s.publish(protocol.NewTurnError(s.worktreeID, p.TurnID, p.Error, p.WillRetry))
	s.busPublish(events.TurnError, map[string]any{"turnId": p.TurnID, "willRetry": p.WillRetry})
	if p.WillRetry {
		return
	}
	s.currentTurnID = ""
	s.clearPending()
	s.setStatus(protocol.WorktreeError)
}

func (s *Supervisor) onCommandExecutionCompleted(p *protocol.CommandExecutionCompleted) {
	s.persistMessage(&storage.Message{
		ID:         ids.NewMessageID(),
		SessionID:  s.sessionID,
		WorktreeID: s.worktreeID,
		Role:       protocol.RoleCommandExecution,
		Command:    p.Command,
		Output:     p.Output,
		Status:     p.Status,
		Timestamp:  s.now().UnixMilli(),
	}, false)
	p.Type = protocol.EventCommandExecutionCompleted
	p.WorktreeID = s.worktreeID
	s.publish(p)
}

// onModelSet records the confirmed model on the worktree so clients
// reloading later see the switch.
func (s *Supervisor) onModelSet(p *protocol.ModelSet) {
	p.Type = protocol.EventModelSet
	p.WorktreeID = s.worktreeID
	s.publish(p)

	wt, err := s.worktrees.Get(s.baseCtx, s.sessionID, s.worktreeID)
	if err != nil {
		s.logger.Warn("failed to load worktree for model update", zap.Error(err))
		return
	}
	wt.Config.Model = p.Model
	if p.ReasoningEffort != "" {
		wt.Config.ReasoningEffort = p.ReasoningEffort
	}
	if err := s.store.SaveWorktree(s.baseCtx, wt); err != nil {
		s.logger.Warn("failed to persist model update", zap.Error(err))
	}
}

// handleExit runs when the subprocess is gone, whatever the reason.
// Partial delta streams are committed first so no streamed text is
// lost.
func (s *Supervisor) handleExit(err error) {
	s.proc = nil
	s.spawnDeadline = nil
	s.killDeadline = nil
	s.killStage = 0
	interrupted := s.stopping
	starting := s.spawnPending
	s.stopping = false
	s.spawnPending = false

	s.commitPartials()

	exitMsg := "agent exited"
	if err != nil {
		exitMsg = fmt.Sprintf("agent exited: %v", err)
	}

	switch {
	case interrupted:
		s.logger.Info("agent stopped")
		if s.state == protocol.WorktreeProcessing || s.state == protocol.WorktreeMerging {
			s.setStatus(protocol.WorktreeStopped)
		}
	case starting:
		s.failSpawn(errors.New(exitMsg))
	default:
		s.logger.Warn("agent exited unexpectedly", zap.Error(err))
		if s.currentTurnID != "" {
			s.publish(protocol.NewTurnError(s.worktreeID, s.currentTurnID, exitMsg, false))
		}
		s.setStatus(protocol.WorktreeStopped)
		s.busPublish(events.AgentCrashed, map[string]any{"error": exitMsg})
	}
	s.currentTurnID = ""
	s.clearPending()
}

func (s *Supervisor) commitPartials() {
	for turnID, buf := range s.buffers {
		if buf.Len() == 0 {
			continue
		}
		text := buf.String() + crashSuffix
		itemID := s.bufferItems[turnID]
		s.persistMessage(&storage.Message{
			ID:         ids.NewMessageID(),
			SessionID:  s.sessionID,
			WorktreeID: s.worktreeID,
			Role:       protocol.RoleAssistant,
			Text:       text,
			Timestamp:  s.now().UnixMilli(),
		}, false)
		s.publish(protocol.NewAssistantMessage(s.worktreeID, turnID, itemID, text))
	}
	s.buffers = make(map[string]*strings.Builder)
	s.bufferItems = make(map[string]string)
}

// teardown kills the subprocess on supervisor stop: SIGTERM, grace,
// SIGKILL.
func (s *Supervisor) teardown() {
	if s.proc == nil {
		return
	}
	s.stopping = true
	_ = s.proc.signal(syscall.SIGTERM)
	select {
	case err := <-s.proc.done:
		s.handleExit(err)
	case <-time.After(s.killGrace):
		_ = s.proc.signal(syscall.SIGKILL)
		select {
		case err := <-s.proc.done:
			s.handleExit(err)
		case <-time.After(2 * time.Second):
			s.logger.Warn("agent did not exit after SIGKILL")
		}
	}
}

// snapshot publishes a git status/diff snapshot after a completed
// turn. Runs off-loop; failures only log.
func (s *Supervisor) snapshot() {
	ctx, cancel := context.WithTimeout(s.baseCtx, snapshotTimeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, s.sessionID)
	if err != nil {
		s.logger.Warn("snapshot skipped", zap.Error(err))
		return
	}
	dir := s.worktrees.Dir(sess, s.worktreeID)
	status, err := s.runGit(ctx, sess, dir, "status", "--porcelain")
	if err != nil {
		s.logger.Warn("post-turn git status failed", zap.Error(err))
		return
	}
	diff, err := s.runGit(ctx, sess, dir, "diff")
	if err != nil {
		s.logger.Warn("post-turn git diff failed", zap.Error(err))
		return
	}
	s.publish(protocol.NewRepoDiff(s.diffWorktreeID(), status, diff))
}

func (s *Supervisor) runGit(ctx context.Context, sess *storage.Session, dir string, args ...string) (string, error) {
	spec := sandbox.NewSpec(s.workspaceID, "git", args...)
	spec.Cwd = dir
	if dir == sess.RepositoryDir {
		spec.AllowRW = []string{dir}
	} else {
		// Linked worktrees keep their index under the clone's .git.
		spec.AllowRW = []string{dir, sess.RepositoryDir}
	}
	res, err := s.runner.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// diffWorktreeID is the repo_diff annotation: nil means the
// session-wide main clone.
func (s *Supervisor) diffWorktreeID() *string {
	if s.worktreeID == protocol.MainWorktreeID {
		return nil
	}
	id := s.worktreeID
	return &id
}

func (s *Supervisor) sendPing() {
	if s.proc == nil {
		return
	}
	s.pingSeq++
	msg, err := protocol.NewRequest(s.pingSeq, protocol.MethodPing, nil)
	if err != nil {
		return
	}
	if werr := s.writeFrame(msg); werr != nil {
		s.logger.Warn("agent ping failed", zap.Error(werr))
	}
}

func (s *Supervisor) writeFrame(msg *protocol.RPCMessage) error {
	if s.proc == nil {
		return errors.New("agent is not running")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	_, err = s.proc.stdin.Write(data)
	return err
}

// setStatus updates the loop's state mirror and persists the
// transition through the worktree manager, which also broadcasts the
// worktree_updated event.
func (s *Supervisor) setStatus(status string) {
	if s.state == status {
		return
	}
	s.state = status
	if err := s.worktrees.UpdateStatus(s.baseCtx, s.sessionID, s.worktreeID, status); err != nil {
		s.logger.Error("failed to persist worktree status",
			zap.String("status", status),
			zap.Error(err))
	}
}

func (s *Supervisor) persistMessage(msg *storage.Message, announce bool) {
	if err := s.store.AppendMessage(s.baseCtx, msg); err != nil {
		s.logger.Error("failed to persist message",
			zap.String("role", msg.Role),
			zap.Error(err))
		return
	}
	if announce {
		s.publish(protocol.NewChatMessageEvent(*msg.ToAPI()))
	}
}

func (s *Supervisor) publish(event protocol.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishEvent(s.sessionID, event)
}

func (s *Supervisor) busPublish(subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sessionId"] = s.sessionID
	data["worktreeId"] = s.worktreeID
	if err := s.bus.Publish(s.baseCtx, subject, bus.NewEvent(subject, "agent", data)); err != nil {
		s.logger.Debug("bus publish failed", zap.Error(err))
	}
}
