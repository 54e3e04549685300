package supervisor

import (
	"encoding/json"
	"strings"
)

// EventKind discriminates the classified output of a worker line (spec §4.B).
type EventKind string

const (
	EventRaw       EventKind = "raw"
	EventSystem    EventKind = "system"
	EventAssistant EventKind = "assistant"
	EventToolUse   EventKind = "tool_use"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
)

// AgentEvent is one classified unit of worker output. A single stdout line
// may classify into several AgentEvents, since an assistant message's
// content can carry both text blocks and tool_use blocks (spec §4.B).
type AgentEvent struct {
	Kind      EventKind
	Raw       string
	Subtype   string
	SessionID string
	Text      string
	ToolName  string
	ErrorMsg  string
}

type agentEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// classifyLine implements spec §4.B's output pipeline: lines that both start
// with `{` and end with `}` are attempted as JSON (Agent Events); anything
// else is Raw. Returns one or more events (an assistant message may yield a
// worker:output per text block plus a worker:tool per tool_use block).
func classifyLine(line string) []AgentEvent {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return []AgentEvent{{Kind: EventRaw, Raw: line}}
	}

	var env agentEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return []AgentEvent{{Kind: EventRaw, Raw: line}}
	}

	switch env.Type {
	case "system":
		return []AgentEvent{{Kind: EventSystem, Raw: line, Subtype: env.Subtype, SessionID: env.SessionID}}
	case "assistant":
		var out []AgentEvent
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				out = append(out, AgentEvent{Kind: EventAssistant, Raw: line, Text: block.Text})
			case "tool_use":
				out = append(out, AgentEvent{Kind: EventToolUse, Raw: line, ToolName: block.Name})
			}
		}
		if len(out) == 0 {
			out = append(out, AgentEvent{Kind: EventAssistant, Raw: line})
		}
		return out
	case "result":
		return []AgentEvent{{Kind: EventResult, Raw: line}}
	case "error":
		return []AgentEvent{{Kind: EventError, Raw: line, ErrorMsg: env.Error}}
	default:
		return []AgentEvent{{Kind: EventRaw, Raw: line}}
	}
}
