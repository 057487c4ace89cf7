package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEventRoundTrip(t *testing.T) {
	delta := NewAssistantDelta("wt1", "turn1", "item1", "hello ")
	data, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ev, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}

	got, ok := ev.(*AssistantDelta)
	if !ok {
		t.Fatalf("ParseEvent returned %T, want *AssistantDelta", ev)
	}
	if got.Delta != "hello " || got.TurnID != "turn1" || got.WorktreeID != "wt1" {
		t.Errorf("unexpected fields: %+v", got)
	}
	if got.EventType() != EventAssistantDelta {
		t.Errorf("EventType() = %q", got.EventType())
	}
}

func TestParseEventUnknownType(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":"telemetry_blob"}`)); err == nil {
		t.Fatal("ParseEvent accepted unknown type")
	}
}

func TestParseEventAllTypes(t *testing.T) {
	frames := map[string]string{
		EventReady:                     `{"type":"ready","threadId":"t1","provider":"codex"}`,
		EventAssistantDelta:            `{"type":"assistant_delta","turnId":"t","itemId":"i","delta":"x"}`,
		EventAssistantMessage:          `{"type":"assistant_message","turnId":"t","itemId":"i","text":"x"}`,
		EventTurnStarted:               `{"type":"turn_started","turnId":"t"}`,
		EventTurnCompleted:             `{"type":"turn_completed","turnId":"t","status":"ok"}`,
		EventTurnError:                 `{"type":"turn_error","error":"boom","willRetry":true}`,
		EventCommandExecutionDelta:     `{"type":"command_execution_delta","itemId":"i","output":"ls\n"}`,
		EventCommandExecutionCompleted: `{"type":"command_execution_completed","itemId":"i","status":"completed"}`,
		EventRepoDiff:                  `{"type":"repo_diff","worktreeId":null,"status":"","diff":""}`,
		EventModelList:                 `{"type":"model_list","models":[{"id":"gpt"}]}`,
		EventModelSet:                  `{"type":"model_set","model":"gpt"}`,
		EventWorktreeCreated:           `{"type":"worktree_created","worktree":{"worktreeId":"w","sessionId":"s","branchName":"b","status":"creating","provider":"codex","config":{},"createdAt":1}}`,
		EventWorktreeUpdated:           `{"type":"worktree_updated","worktree":{"worktreeId":"w","sessionId":"s","branchName":"b","status":"ready","provider":"codex","config":{},"createdAt":1}}`,
		EventWorktreeClosed:            `{"type":"worktree_closed","worktreeId":"w"}`,
		EventWorktreeMergeResult:       `{"type":"worktree_merge_result","worktreeId":"w","result":"completed"}`,
		EventWorktreesList:             `{"type":"worktrees_list","worktrees":[]}`,
		EventChatMessage:               `{"type":"chat_message","message":{"id":"m","worktreeId":"w","role":"user","text":"hi","timestamp":1}}`,
		EventError:                     `{"type":"error","code":"busy","error":"turn in flight"}`,
		EventPong:                      `{"type":"pong"}`,
	}

	for typ, frame := range frames {
		ev, err := ParseEvent([]byte(frame))
		if err != nil {
			t.Errorf("ParseEvent(%s): %v", typ, err)
			continue
		}
		if ev.EventType() != typ {
			t.Errorf("ParseEvent(%s).EventType() = %q", typ, ev.EventType())
		}
	}
}

func TestParseClientFrame(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"user_message","text":"hello","worktreeId":"main"}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if frame.Type != FrameUserMessage || frame.Text != "hello" || frame.WorktreeID != "main" {
		t.Errorf("unexpected frame: %+v", frame)
	}

	if _, err := ParseClientFrame([]byte(`{"type":"drop_tables"}`)); err == nil {
		t.Fatal("ParseClientFrame accepted unknown type")
	}
}

func TestRepoDiffNullWorktree(t *testing.T) {
	ev := NewRepoDiff(nil, "clean", "")
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, present := m["worktreeId"]
	if !present {
		t.Fatal("worktreeId key missing, want explicit null")
	}
	if v != nil {
		t.Errorf("worktreeId = %v, want null", v)
	}
}

func TestNewNotification(t *testing.T) {
	msg, err := NewNotification(MethodUserMessage, UserMessageParams{Text: "hi", TurnID: "t1"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if msg.JSONRPC != "2.0" || msg.Method != MethodUserMessage || msg.ID != nil {
		t.Errorf("unexpected message: %+v", msg)
	}
}
