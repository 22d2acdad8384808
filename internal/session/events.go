// Package session implements the session runner (C6) and session event
// loop (C7): spawning the agent CLI as a newline-delimited-JSON subprocess
// and driving it through its Starting -> Running -> WaitingForInput ->
// Ended lifecycle.
package session

import "encoding/json"

// InboundEvent is one decoded line of the agent's stdout stream.
type InboundEvent struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Role            string          `json:"role,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	TotalCostUSD    *float64        `json:"total_cost_usd,omitempty"`
	Result          string          `json:"result,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`
}

// message is the nested Anthropic-style message payload carried by
// assistant/user events.
type message struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// finalText extracts the concatenated text blocks from an assistant
// message's content, and reports whether the message also contains a
// tool_use block (needed for the watched-tag policing rule: tags are only
// honored in a final response with no tool calls).
func finalText(raw json.RawMessage) (text string, hasToolUse bool) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_use":
			hasToolUse = true
		}
	}
	return text, hasToolUse
}

// decodeEvent parses one newline-delimited-JSON line from the agent's
// stdout. A line that fails to parse is reported by the caller as a
// protocol warning, not a fatal error — a single malformed line shouldn't
// kill an otherwise-healthy session.
func decodeEvent(line []byte) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
