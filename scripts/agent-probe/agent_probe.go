// Manual probe for the agent stdio protocol: spawns an agent CLI, runs the
// auth handshake, streams one turn, and optionally interrupts it mid-stream.
// Usage: go build -o mock-agent ./cmd/mock-agent && go run ./scripts/agent-probe -interrupt 2s
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

var (
	agentBin  = flag.String("agent", "./mock-agent", "Agent binary to spawn")
	provider  = flag.String("provider", "codex", "Provider name passed via --provider")
	workDir   = flag.String("workdir", ".", "Working directory for the agent process")
	prompt    = flag.String("prompt", "Summarize the repository layout", "Prompt sent as the user message")
	interrupt = flag.Duration("interrupt", 0, "Interrupt the turn after this delay (0 = let it finish)")
	verbose   = flag.Bool("verbose", true, "Print raw frames")
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func main() {
	flag.Parse()
	fmt.Printf("=== Agent probe: %s --provider %s ===\n\n", *agentBin, *provider)

	cmd := exec.Command(*agentBin, "--provider", *provider)
	cmd.Dir = *workDir
	stdin, _ := cmd.StdinPipe()
	stdout, _ := cmd.StdoutPipe()
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Printf("Failed to start %s: %v\n", *agentBin, err)
		os.Exit(1)
	}
	defer cmd.Process.Kill()

	frames := make(chan rpcMessage, 100)
	go readFrames(stdout, frames)

	// 1. Auth handshake (the supervisor sends this immediately after spawn).
	logf("Authenticating...")
	sendNotification(stdin, "auth", map[string]string{"token": "probe-token"})
	ready := waitForEvent(frames, "ready")
	logf("Agent ready: %s", ready.Params)

	// 2. Liveness check.
	logf("Pinging...")
	sendRequest(stdin, 1, "ping", nil)
	waitForResponse(frames, 1)

	// 3. Start a turn.
	logf("Sending user message...")
	sendNotification(stdin, "user_message", map[string]string{
		"text":   *prompt,
		"turnId": "probe-turn-1",
	})

	if *interrupt > 0 {
		time.Sleep(*interrupt)
		logf(">>> SENDING INTERRUPT <<<")
		sendNotification(stdin, "interrupt", map[string]string{"turnId": "probe-turn-1"})
	}

	// 4. Wait for the turn to settle.
	final := waitForEvent(frames, "turn_completed", "turn_error")
	logf("Turn finished: %s %s", final.Method, final.Params)

	stdin.Close()
	cmd.Wait()
}

// Helper functions

func sendNotification(w io.Writer, method string, params any) {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, _ := json.Marshal(msg)
	if *verbose {
		fmt.Printf(">>> %s\n", data)
	}
	w.Write(append(data, '\n'))
}

func sendRequest(w io.Writer, id int, method string, params any) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, _ := json.Marshal(msg)
	if *verbose {
		fmt.Printf(">>> %s\n", data)
	}
	w.Write(append(data, '\n'))
}

func logf(format string, args ...any) {
	fmt.Printf("[probe] "+format+"\n", args...)
}

func waitForEvent(ch chan rpcMessage, methods ...string) rpcMessage {
	timeout := time.After(15 * time.Second)
	for {
		select {
		case msg := <-ch:
			for _, m := range methods {
				if msg.Method == m {
					return msg
				}
			}
		case <-timeout:
			logf("Timeout waiting for %v", methods)
			os.Exit(1)
		}
	}
}

func waitForResponse(ch chan rpcMessage, id int) rpcMessage {
	timeout := time.After(15 * time.Second)
	for {
		select {
		case msg := <-ch:
			if idNum, ok := msg.ID.(float64); ok && int(idNum) == id {
				return msg
			}
		case <-timeout:
			logf("Timeout waiting for response %d", id)
			os.Exit(1)
		}
	}
}

func readFrames(r io.Reader, ch chan rpcMessage) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if *verbose {
			fmt.Printf("<<< %s\n", line)
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil {
			ch <- msg
		}
	}
}
