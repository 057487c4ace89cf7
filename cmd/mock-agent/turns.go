package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prompt prefixes select a scripted scenario; anything else gets the
// default streamed reply. The prefixes double as slash commands in the
// chat UI during dev runs.
const (
	cmdError = "/error"
	cmdRetry = "/retry"
	cmdSlow  = "/slow"
	cmdDiff  = "/diff"
)

const defaultDelay = 80 * time.Millisecond

// stepDelay is the gap between streamed deltas. MOCK_AGENT_DELAY_MS
// overrides it so e2e suites can run tight.
func stepDelay() time.Duration {
	if v := os.Getenv("MOCK_AGENT_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultDelay
}

// runTurn streams one scripted turn. A cancelled context ends the turn
// with an interrupted completion, mirroring how the provider CLIs
// acknowledge a cancel.
func (a *agent) runTurn(ctx context.Context, turnID, text string) {
	a.notify("turn_started", map[string]any{"turnId": turnID})

	prompt := strings.TrimSpace(text)
	switch {
	case prompt == cmdError || strings.HasPrefix(prompt, cmdError+" "):
		a.runErrorTurn(ctx, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, cmdError)))
	case prompt == cmdRetry:
		a.runRetryTurn(ctx, turnID)
	case prompt == cmdSlow || strings.HasPrefix(prompt, cmdSlow+" "):
		a.runSlowTurn(ctx, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, cmdSlow)))
	case prompt == cmdDiff:
		a.runDiffTurn(ctx, turnID)
	default:
		a.runDefaultTurn(ctx, turnID, prompt, stepDelay())
	}
}

// runDefaultTurn streams the reply word by word, closes it with the
// full message and a repo diff snapshot.
func (a *agent) runDefaultTurn(ctx context.Context, turnID, prompt string, delay time.Duration) {
	reply := fmt.Sprintf("Mock %s processed your request. You said: %q. No files were changed.", a.getProvider(), prompt)
	if !a.streamMessage(ctx, turnID, "item-1", reply, delay) {
		return
	}
	a.emitRepoDiff("", "")
	a.completeTurn(turnID, "completed")
}

func (a *agent) runErrorTurn(ctx context.Context, turnID, detail string) {
	if detail == "" {
		detail = "simulated provider failure"
	}
	if !a.sleep(ctx, turnID, stepDelay()) {
		return
	}
	a.notify("assistant_delta", map[string]any{
		"turnId": turnID, "itemId": "item-1", "delta": "Something went wrong: ",
	})
	a.notify("turn_error", map[string]any{
		"turnId": turnID, "error": detail,
	})
}

// runRetryTurn fails once with willRetry set, then recovers and
// finishes the turn. Exercises the path where the worktree must stay
// processing through a transient provider error.
func (a *agent) runRetryTurn(ctx context.Context, turnID string) {
	a.notify("turn_error", map[string]any{
		"turnId": turnID, "error": "rate limited, retrying", "willRetry": true,
	})
	if !a.sleep(ctx, turnID, 3*stepDelay()) {
		return
	}
	if !a.streamMessage(ctx, turnID, "item-2", "Recovered after a transient provider error.", stepDelay()) {
		return
	}
	a.completeTurn(turnID, "completed")
}

func (a *agent) runSlowTurn(ctx context.Context, turnID, arg string) {
	delay := time.Second
	if arg != "" {
		if d, err := time.ParseDuration(arg); err == nil && d > 0 {
			delay = d
		}
	}
	if !a.streamMessage(ctx, turnID, "item-1", "This reply arrives one slow word at a time, useful for watching streams and testing interrupts.", delay) {
		return
	}
	a.completeTurn(turnID, "completed")
}

func (a *agent) runDiffTurn(ctx context.Context, turnID string) {
	if !a.streamMessage(ctx, turnID, "item-1", "I touched the README to demonstrate a diff.", stepDelay()) {
		return
	}
	a.emitRepoDiff(" M README.md\n", mockDiff)
	a.completeTurn(turnID, "completed")
}

// streamMessage emits the text as word deltas followed by the complete
// assistant message. Returns false if the turn was interrupted.
func (a *agent) streamMessage(ctx context.Context, turnID, itemID, text string, delay time.Duration) bool {
	words := strings.Fields(text)
	for i, word := range words {
		if !a.sleep(ctx, turnID, delay) {
			return false
		}
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		a.notify("assistant_delta", map[string]any{
			"turnId": turnID, "itemId": itemID, "delta": delta,
		})
	}
	a.notify("assistant_message", map[string]any{
		"turnId": turnID, "itemId": itemID, "text": text,
	})
	return true
}

// sleep waits for the delay or the interrupt. On interrupt the turn is
// closed as interrupted and false is returned.
func (a *agent) sleep(ctx context.Context, turnID string, d time.Duration) bool {
	if d <= 0 {
		if ctx.Err() != nil {
			a.completeTurn(turnID, "interrupted")
			return false
		}
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		a.completeTurn(turnID, "interrupted")
		return false
	case <-timer.C:
		return true
	}
}

func (a *agent) completeTurn(turnID, status string) {
	a.notify("turn_completed", map[string]any{
		"turnId": turnID, "status": status,
	})
}

func (a *agent) emitRepoDiff(status, diff string) {
	a.notify("repo_diff", map[string]any{
		"status": status, "diff": diff,
	})
}

const mockDiff = `diff --git a/README.md b/README.md
index 83db48f..bf269f4 100644
--- a/README.md
+++ b/README.md
@@ -1,3 +1,4 @@
 # Project
+Updated by the mock agent.

 Welcome.
`
