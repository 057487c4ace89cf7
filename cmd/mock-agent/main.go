// Package main implements a mock agent binary speaking the vibe80
// agent protocol over stdin/stdout: line-delimited JSON-RPC 2.0,
// session events emitted as notifications. It generates simulated
// turns for dev runs and e2e tests.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

func main() {
	provider := parseProviderFlag(os.Args)
	a := newAgent(os.Stdout, provider)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
	a.waitTurn()
}

// parseProviderFlag extracts the --provider value from the args slice.
func parseProviderFlag(args []string) string {
	for i, arg := range args[1:] {
		if arg == "--provider" && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, "--provider=") {
			return strings.TrimPrefix(arg, "--provider=")
		}
	}
	return "mock"
}

// rpcMessage mirrors one line of the agent stdio stream.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type userMessageParams struct {
	Text   string `json:"text"`
	TurnID string `json:"turnId"`
}

type switchProviderParams struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type interruptParams struct {
	TurnID string `json:"turnId,omitempty"`
}

// agent is one mock-agent instance. A single mutex serialises stdout:
// the read loop answers pings while a turn goroutine streams deltas.
type agent struct {
	mu       sync.Mutex
	enc      *json.Encoder
	provider string
	threadID string
	ready    bool

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
}

func newAgent(out io.Writer, provider string) *agent {
	return &agent{
		enc:      json.NewEncoder(out),
		provider: provider,
		threadID: fmt.Sprintf("mock-thread-%d", os.Getpid()),
	}
}

func (a *agent) dispatch(msg *rpcMessage) {
	switch msg.Method {
	case "auth":
		// Credentials are accepted unconditionally; the first auth
		// completes the spawn handshake.
		a.emitReady()
	case "user_message":
		var p userMessageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		a.emitReadyOnce()
		a.startTurn(p.TurnID, p.Text)
	case "switch_provider":
		var p switchProviderParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		if p.Provider != "" {
			a.setProvider(p.Provider)
		}
		a.notify("model_set", map[string]any{"model": p.Model})
	case "interrupt":
		var p interruptParams
		_ = json.Unmarshal(msg.Params, &p)
		a.cancelTurn()
	case "ping":
		if msg.ID != nil {
			a.respond(msg.ID)
		}
	}
}

// setProvider swaps the provider name; a streaming turn may read it
// concurrently.
func (a *agent) setProvider(p string) {
	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()
}

func (a *agent) getProvider() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider
}

// emitReady announces readiness. Repeated auth frames re-announce,
// which the server treats as a state refresh.
func (a *agent) emitReady() {
	a.ready = true
	a.notify("ready", map[string]any{
		"threadId": a.threadID,
		"provider": a.getProvider(),
	})
}

func (a *agent) emitReadyOnce() {
	if !a.ready {
		a.emitReady()
	}
}

// startTurn runs the scripted turn on its own goroutine so the read
// loop keeps answering pings and can deliver an interrupt.
func (a *agent) startTurn(turnID, text string) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	if a.turnCancel != nil {
		// One turn at a time; the server gates concurrent prompts
		// before they reach the agent.
		a.notify("turn_error", map[string]any{
			"turnId": turnID,
			"error":  "turn already in progress",
		})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.turnCancel = cancel
	a.turnDone = done
	go func() {
		defer close(done)
		a.runTurn(ctx, turnID, text)
		a.turnMu.Lock()
		a.turnCancel = nil
		a.turnDone = nil
		a.turnMu.Unlock()
	}()
}

func (a *agent) cancelTurn() {
	a.turnMu.Lock()
	cancel := a.turnCancel
	a.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// waitTurn blocks until an in-flight turn goroutine has drained.
func (a *agent) waitTurn() {
	a.turnMu.Lock()
	done := a.turnDone
	a.turnMu.Unlock()
	if done != nil {
		<-done
	}
}

// notify writes one event notification line.
func (a *agent) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(rpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
}

// respond answers a server request, currently only pings.
func (a *agent) respond(id any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(rpcMessage{JSONRPC: "2.0", ID: id, Result: json.RawMessage(`{}`)})
}
