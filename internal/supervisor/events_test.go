package supervisor

import "testing"

func TestClassifyLineRawWhenNotJSON(t *testing.T) {
	events := classifyLine("plain stdout line")
	if len(events) != 1 || events[0].Kind != EventRaw {
		t.Fatalf("expected a single raw event, got %+v", events)
	}
}

func TestClassifyLineRawWhenJSONMalformed(t *testing.T) {
	events := classifyLine(`{"type": "system"`)
	if len(events) != 1 || events[0].Kind != EventRaw {
		t.Fatalf("expected raw fallback for malformed JSON, got %+v", events)
	}
}

func TestClassifyLineSystemInit(t *testing.T) {
	events := classifyLine(`{"type":"system","subtype":"init","session_id":"sess-1"}`)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Kind != EventSystem || events[0].Subtype != "init" || events[0].SessionID != "sess-1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestClassifyLineAssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"grep"}]}}`
	events := classifyLine(line)
	if len(events) != 2 {
		t.Fatalf("expected two events (text + tool_use), got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventAssistant || events[0].Text != "hi" {
		t.Fatalf("expected assistant text event first, got %+v", events[0])
	}
	if events[1].Kind != EventToolUse || events[1].ToolName != "grep" {
		t.Fatalf("expected tool_use event second, got %+v", events[1])
	}
}

func TestClassifyLineAssistantWithNoContentBlocks(t *testing.T) {
	events := classifyLine(`{"type":"assistant","message":{"content":[]}}`)
	if len(events) != 1 || events[0].Kind != EventAssistant {
		t.Fatalf("expected a single fallback assistant event, got %+v", events)
	}
}

func TestClassifyLineResult(t *testing.T) {
	events := classifyLine(`{"type":"result"}`)
	if len(events) != 1 || events[0].Kind != EventResult {
		t.Fatalf("expected result event, got %+v", events)
	}
}

func TestClassifyLineError(t *testing.T) {
	events := classifyLine(`{"type":"error","error":"boom"}`)
	if len(events) != 1 || events[0].Kind != EventError || events[0].ErrorMsg != "boom" {
		t.Fatalf("expected error event with message, got %+v", events)
	}
}

func TestClassifyLineUnknownTypeIsRaw(t *testing.T) {
	events := classifyLine(`{"type":"something_else"}`)
	if len(events) != 1 || events[0].Kind != EventRaw {
		t.Fatalf("expected raw fallback for unknown type, got %+v", events)
	}
}
