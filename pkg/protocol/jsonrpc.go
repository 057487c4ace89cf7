package protocol

import "encoding/json"

// The agent stdio link is line-delimited JSON-RPC 2.0. Agents emit the
// session events as notifications (method = event type, params = event
// payload); the server drives the agent with the request methods below.

// RPCMessage is one line on the agent stdio stream. A message with a Method
// is a request or notification; one with a Result or Error is a response.
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

// Server -> agent methods.
const (
	MethodAuth           = "auth"
	MethodUserMessage    = "user_message"
	MethodSwitchProvider = "switch_provider"
	MethodPing           = "ping"
	MethodInterrupt      = "interrupt"
)

// NewNotification builds a JSON-RPC notification with marshalled params.
func NewNotification(method string, params any) (*RPCMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &RPCMessage{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewRequest builds a JSON-RPC request with marshalled params.
func NewRequest(id any, method string, params any) (*RPCMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &RPCMessage{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// AuthParams are sent to the agent right after spawn.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// UserMessageParams deliver a prompt to the agent.
type UserMessageParams struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TurnID      string       `json:"turnId"`
}

// SwitchProviderParams ask the agent to change model settings.
type SwitchProviderParams struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// InterruptParams cancel the in-flight turn.
type InterruptParams struct {
	TurnID string `json:"turnId,omitempty"`
}
