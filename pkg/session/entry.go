package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies what an entry represents in the conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
	RoleSummary    Role = "summary"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolCall, RoleToolResult, RoleSystem, RoleSummary:
		return true
	}
	return false
}

// ToolCall is the content of a tool_call entry.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the content of a tool_result entry.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Content holds exactly one of Text, ToolCall or ToolResult depending on the role.
type Content struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Text builds text content.
func Text(s string) Content {
	return Content{Text: s}
}

// Call builds tool_call content.
func Call(callID, name string, args json.RawMessage) Content {
	return Content{ToolCall: &ToolCall{CallID: callID, Name: name, Arguments: args}}
}

// Result builds tool_result content.
func Result(callID, name, output string, isError bool) Content {
	return Content{ToolResult: &ToolResult{CallID: callID, Name: name, Output: output, IsError: isError}}
}

// Range names the first and last entry of a compacted run.
type Range struct {
	StartID string `json:"start_id"`
	EndID   string `json:"end_id"`
}

// Entry is one immutable node of conversation history.
type Entry struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Role       Role              `json:"role"`
	Content    Content           `json:"content"`
	Supersedes *Range            `json:"supersedes,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// IsRoot reports whether the entry has no parent.
func (e Entry) IsRoot() bool {
	return e.ParentID == ""
}

// Summary returns a short single-line rendering of the entry content.
func (e Entry) Summary(max int) string {
	var s string
	switch {
	case e.Content.ToolCall != nil:
		s = fmt.Sprintf("%s(%s)", e.Content.ToolCall.Name, string(e.Content.ToolCall.Arguments))
	case e.Content.ToolResult != nil:
		s = e.Content.ToolResult.Output
		if e.Content.ToolResult.IsError {
			s = "error: " + s
		}
	default:
		s = e.Content.Text
	}
	s = string(bytes.Join(bytes.Fields([]byte(s)), []byte(" ")))
	if max > 3 && len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

// validate checks the role/content shape of an entry in isolation.
func (e *Entry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: entry id cannot be empty", ErrInvalidEntry)
	}
	if !e.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, e.Role)
	}

	c := e.Content
	switch e.Role {
	case RoleToolCall:
		if c.ToolCall == nil || c.ToolResult != nil {
			return fmt.Errorf("%w: tool_call entry requires tool call content", ErrInvalidEntry)
		}
		if c.ToolCall.CallID == "" || c.ToolCall.Name == "" {
			return fmt.Errorf("%w: tool call requires call id and name", ErrInvalidEntry)
		}
	case RoleToolResult:
		if c.ToolResult == nil || c.ToolCall != nil {
			return fmt.Errorf("%w: tool_result entry requires tool result content", ErrInvalidEntry)
		}
		if c.ToolResult.CallID == "" {
			return fmt.Errorf("%w: tool result requires call id", ErrInvalidEntry)
		}
	default:
		if c.ToolCall != nil || c.ToolResult != nil {
			return fmt.Errorf("%w: %s entry takes text content only", ErrInvalidEntry, e.Role)
		}
		if c.Text == "" && e.Role != RoleAssistant {
			return fmt.Errorf("%w: %s entry text cannot be empty", ErrInvalidEntry, e.Role)
		}
	}

	// A summary without a range is one carried into a fork.
	if r := e.Supersedes; r != nil {
		if e.Role != RoleSummary {
			return fmt.Errorf("%w: only summary entries supersede ranges", ErrInvalidEntry)
		}
		if r.StartID == "" || r.EndID == "" {
			return fmt.Errorf("%w: summary range requires start and end", ErrInvalidEntry)
		}
	}
	return nil
}

// normalizeContent compacts tool arguments so persisted bytes round-trip exactly.
func normalizeContent(c Content) (Content, error) {
	if c.ToolCall == nil {
		return c, nil
	}
	call := *c.ToolCall
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage("{}")
	} else {
		var buf bytes.Buffer
		if err := json.Compact(&buf, call.Arguments); err != nil {
			return c, fmt.Errorf("%w: tool arguments are not valid JSON: %v", ErrInvalidEntry, err)
		}
		call.Arguments = json.RawMessage(buf.Bytes())
	}
	c.ToolCall = &call
	return c, nil
}

func cloneEntry(e *Entry) Entry {
	out := *e
	if e.Content.ToolCall != nil {
		call := *e.Content.ToolCall
		call.Arguments = append(json.RawMessage(nil), call.Arguments...)
		out.Content.ToolCall = &call
	}
	if e.Content.ToolResult != nil {
		res := *e.Content.ToolResult
		out.Content.ToolResult = &res
	}
	if e.Supersedes != nil {
		r := *e.Supersedes
		out.Supersedes = &r
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
