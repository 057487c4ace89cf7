package protocol

import (
	"encoding/json"
	"fmt"
)

// Event types carried on the session stream. The set is closed: ParseEvent
// rejects anything else, and consumers switch exhaustively.
const (
	EventReady                     = "ready"
	EventAssistantDelta            = "assistant_delta"
	EventAssistantMessage          = "assistant_message"
	EventTurnStarted               = "turn_started"
	EventTurnCompleted             = "turn_completed"
	EventTurnError                 = "turn_error"
	EventCommandExecutionDelta     = "command_execution_delta"
	EventCommandExecutionCompleted = "command_execution_completed"
	EventRepoDiff                  = "repo_diff"
	EventModelList                 = "model_list"
	EventModelSet                  = "model_set"
	EventWorktreeCreated           = "worktree_created"
	EventWorktreeUpdated           = "worktree_updated"
	EventWorktreeClosed            = "worktree_closed"
	EventWorktreeMergeResult       = "worktree_merge_result"
	EventWorktreesList             = "worktrees_list"
	EventChatMessage               = "chat_message"
	EventError                     = "error"
	EventPong                      = "pong"
)

// Event is one frame on the session stream. Every concrete event carries its
// type discriminant in the JSON object itself.
type Event interface {
	EventType() string
}

// Ready announces that the agent accepts prompts.
type Ready struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

func (Ready) EventType() string { return EventReady }

// AssistantDelta is one incremental token of an assistant message.
type AssistantDelta struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId"`
	ItemID     string `json:"itemId"`
	Delta      string `json:"delta"`
}

func (AssistantDelta) EventType() string { return EventAssistantDelta }

// AssistantMessage is the complete assistant message closing a delta stream.
type AssistantMessage struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId"`
	ItemID     string `json:"itemId"`
	Text       string `json:"text"`
}

func (AssistantMessage) EventType() string { return EventAssistantMessage }

// TurnStarted opens a turn bracket.
type TurnStarted struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId"`
}

func (TurnStarted) EventType() string { return EventTurnStarted }

// TurnCompleted closes a turn bracket.
type TurnCompleted struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId"`
	Status     string `json:"status"`
}

func (TurnCompleted) EventType() string { return EventTurnCompleted }

// TurnError reports a turn failure. WillRetry=true means the agent keeps the
// turn alive and the worktree stays processing.
type TurnError struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId,omitempty"`
	Error      string `json:"error"`
	WillRetry  bool   `json:"willRetry,omitempty"`
}

func (TurnError) EventType() string { return EventTurnError }

// CommandExecutionDelta streams tool-call output.
type CommandExecutionDelta struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId,omitempty"`
	ItemID     string `json:"itemId"`
	Command    string `json:"command,omitempty"`
	Output     string `json:"output"`
}

func (CommandExecutionDelta) EventType() string { return EventCommandExecutionDelta }

// CommandExecutionCompleted closes a tool-call stream.
type CommandExecutionCompleted struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId,omitempty"`
	ItemID     string `json:"itemId"`
	Command    string `json:"command,omitempty"`
	Output     string `json:"output,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode,omitempty"`
}

func (CommandExecutionCompleted) EventType() string { return EventCommandExecutionCompleted }

// RepoDiff is a snapshot of git status and diff. A nil WorktreeID means the
// session-wide main clone.
type RepoDiff struct {
	Type       string  `json:"type"`
	WorktreeID *string `json:"worktreeId"`
	Status     string  `json:"status"`
	Diff       string  `json:"diff"`
}

func (RepoDiff) EventType() string { return EventRepoDiff }

// ModelList announces the models a provider offers.
type ModelList struct {
	Type       string      `json:"type"`
	WorktreeID string      `json:"worktreeId,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Models     []ModelInfo `json:"models"`
}

func (ModelList) EventType() string { return EventModelList }

// ModelSet confirms the active model for a worktree.
type ModelSet struct {
	Type            string `json:"type"`
	WorktreeID      string `json:"worktreeId,omitempty"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

func (ModelSet) EventType() string { return EventModelSet }

// WorktreeCreated carries the record of a newly created worktree.
type WorktreeCreated struct {
	Type     string   `json:"type"`
	Worktree Worktree `json:"worktree"`
}

func (WorktreeCreated) EventType() string { return EventWorktreeCreated }

// WorktreeUpdated carries the record of a worktree after a state change.
type WorktreeUpdated struct {
	Type     string   `json:"type"`
	Worktree Worktree `json:"worktree"`
}

func (WorktreeUpdated) EventType() string { return EventWorktreeUpdated }

// WorktreeClosedEvent announces that a worktree was removed.
type WorktreeClosedEvent struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
}

func (WorktreeClosedEvent) EventType() string { return EventWorktreeClosed }

// WorktreeMergeResult reports the outcome of a merge.
type WorktreeMergeResult struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
	Result     string `json:"result"` // completed, merge_conflict
	Message    string `json:"message,omitempty"`
}

func (WorktreeMergeResult) EventType() string { return EventWorktreeMergeResult }

// WorktreesList carries all active worktrees of a session.
type WorktreesList struct {
	Type      string     `json:"type"`
	Worktrees []Worktree `json:"worktrees"`
}

func (WorktreesList) EventType() string { return EventWorktreesList }

// ChatMessageEvent carries one persisted message, both for backfill replay
// and for live persistence echoes.
type ChatMessageEvent struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

func (ChatMessageEvent) EventType() string { return EventChatMessage }

// ErrorFrame reports a stream-level rejection such as busy.
type ErrorFrame struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error"`
}

func (ErrorFrame) EventType() string { return EventError }

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}

func (Pong) EventType() string { return EventPong }

// Rejection codes used in ErrorFrame.
const (
	CodeBusy         = "busy"
	CodeSlowConsumer = "slow_consumer"
)

// NewReady returns a ready event with the type tag set.
func NewReady(worktreeID, threadID, provider string) *Ready {
	return &Ready{Type: EventReady, WorktreeID: worktreeID, ThreadID: threadID, Provider: provider}
}

// NewAssistantDelta returns an assistant_delta event.
func NewAssistantDelta(worktreeID, turnID, itemID, delta string) *AssistantDelta {
	return &AssistantDelta{Type: EventAssistantDelta, WorktreeID: worktreeID, TurnID: turnID, ItemID: itemID, Delta: delta}
}

// NewAssistantMessage returns an assistant_message event.
func NewAssistantMessage(worktreeID, turnID, itemID, text string) *AssistantMessage {
	return &AssistantMessage{Type: EventAssistantMessage, WorktreeID: worktreeID, TurnID: turnID, ItemID: itemID, Text: text}
}

// NewTurnStarted returns a turn_started event.
func NewTurnStarted(worktreeID, turnID string) *TurnStarted {
	return &TurnStarted{Type: EventTurnStarted, WorktreeID: worktreeID, TurnID: turnID}
}

// NewTurnCompleted returns a turn_completed event.
func NewTurnCompleted(worktreeID, turnID, status string) *TurnCompleted {
	return &TurnCompleted{Type: EventTurnCompleted, WorktreeID: worktreeID, TurnID: turnID, Status: status}
}

// NewTurnError returns a turn_error event.
func NewTurnError(worktreeID, turnID, message string, willRetry bool) *TurnError {
	return &TurnError{Type: EventTurnError, WorktreeID: worktreeID, TurnID: turnID, Error: message, WillRetry: willRetry}
}

// NewRepoDiff returns a repo_diff snapshot. Pass a nil worktreeID for the
// session-wide clone.
func NewRepoDiff(worktreeID *string, status, diff string) *RepoDiff {
	return &RepoDiff{Type: EventRepoDiff, WorktreeID: worktreeID, Status: status, Diff: diff}
}

// NewWorktreeCreated returns a worktree_created event.
func NewWorktreeCreated(wt Worktree) *WorktreeCreated {
	return &WorktreeCreated{Type: EventWorktreeCreated, Worktree: wt}
}

// NewWorktreeUpdated returns a worktree_updated event.
func NewWorktreeUpdated(wt Worktree) *WorktreeUpdated {
	return &WorktreeUpdated{Type: EventWorktreeUpdated, Worktree: wt}
}

// NewWorktreeClosed returns a worktree_closed event.
func NewWorktreeClosed(worktreeID string) *WorktreeClosedEvent {
	return &WorktreeClosedEvent{Type: EventWorktreeClosed, WorktreeID: worktreeID}
}

// NewWorktreeMergeResult returns a worktree_merge_result event.
func NewWorktreeMergeResult(worktreeID, result, message string) *WorktreeMergeResult {
	return &WorktreeMergeResult{Type: EventWorktreeMergeResult, WorktreeID: worktreeID, Result: result, Message: message}
}

// NewWorktreesList returns a worktrees_list event.
func NewWorktreesList(wts []Worktree) *WorktreesList {
	return &WorktreesList{Type: EventWorktreesList, Worktrees: wts}
}

// NewChatMessageEvent returns a chat_message event.
func NewChatMessageEvent(msg ChatMessage) *ChatMessageEvent {
	return &ChatMessageEvent{Type: EventChatMessage, Message: msg}
}

// NewErrorFrame returns an error frame.
func NewErrorFrame(worktreeID, code, message string) *ErrorFrame {
	return &ErrorFrame{Type: EventError, WorktreeID: worktreeID, Code: code, Error: message}
}

// NewPong returns a pong frame.
func NewPong() *Pong {
	return &Pong{Type: EventPong}
}

// ParseEvent decodes one frame into its concrete event type. Unknown types
// are an error: the union is closed.
func ParseEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid event frame: %w", err)
	}

	var ev Event
	switch probe.Type {
	case EventReady:
		ev = &Ready{}
	case EventAssistantDelta:
		ev = &AssistantDelta{}
	case EventAssistantMessage:
		ev = &AssistantMessage{}
	case EventTurnStarted:
		ev = &TurnStarted{}
	case EventTurnCompleted:
		ev = &TurnCompleted{}
	case EventTurnError:
		ev = &TurnError{}
	case EventCommandExecutionDelta:
		ev = &CommandExecutionDelta{}
	case EventCommandExecutionCompleted:
		ev = &CommandExecutionCompleted{}
	case EventRepoDiff:
		ev = &RepoDiff{}
	case EventModelList:
		ev = &ModelList{}
	case EventModelSet:
		ev = &ModelSet{}
	case EventWorktreeCreated:
		ev = &WorktreeCreated{}
	case EventWorktreeUpdated:
		ev = &WorktreeUpdated{}
	case EventWorktreeClosed:
		ev = &WorktreeClosedEvent{}
	case EventWorktreeMergeResult:
		ev = &WorktreeMergeResult{}
	case EventWorktreesList:
		ev = &WorktreesList{}
	case EventChatMessage:
		ev = &ChatMessageEvent{}
	case EventError:
		ev = &ErrorFrame{}
	case EventPong:
		ev = &Pong{}
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", probe.Type, err)
	}
	return ev, nil
}
