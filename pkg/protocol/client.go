package protocol

import (
	"encoding/json"
	"fmt"
)

// Client frame types accepted on the WebSocket.
const (
	FrameAuth                 = "auth"
	FrameUserMessage          = "user_message"
	FrameWorktreeSendMessage  = "worktree_send_message"
	FrameSwitchProvider       = "switch_provider"
	FramePing                 = "ping"
	FrameWakeUp               = "wake_up"
	FrameInterrupt            = "interrupt"
	FrameWorktreeMessagesSync = "worktree_messages_sync"
)

// ClientFrame is a message from a WebSocket client. Which fields are
// meaningful depends on Type.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// user_message, worktree_send_message
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// worktree-scoped frames
	WorktreeID string `json:"worktreeId,omitempty"`

	// switch_provider
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// interrupt
	TurnID string `json:"turnId,omitempty"`

	// worktree_messages_sync
	LastSeenMessageID string `json:"lastSeenMessageId,omitempty"`
}

// ParseClientFrame decodes a client frame and validates its type.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid client frame: %w", err)
	}

	switch frame.Type {
	case FrameAuth, FrameUserMessage, FrameWorktreeSendMessage, FrameSwitchProvider,
		FramePing, FrameWakeUp, FrameInterrupt, FrameWorktreeMessagesSync:
		return &frame, nil
	default:
		return nil, fmt.Errorf("unknown client frame type %q", frame.Type)
	}
}
