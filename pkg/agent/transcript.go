package agent

import (
	"strings"

	"github.com/harun/loom/pkg/session"
)

// SummaryPrefix introduces a compaction summary in the model transcript.
const SummaryPrefix = "[Summary of earlier conversation]\n"

// metaAssistantText carries text the model sent alongside its tool calls.
const metaAssistantText = "assistant_text"

// BuildTranscript converts a resolved session path into model messages.
// System entries are appended to baseSystem and returned as the system
// prompt; summaries become user messages.
func BuildTranscript(path []session.Entry, baseSystem string) (string, []Message) {
	var system []string
	if s := strings.TrimSpace(baseSystem); s != "" {
		system = append(system, s)
	}

	messages := make([]Message, 0, len(path))
	for _, e := range path {
		switch e.Role {
		case session.RoleSystem:
			if s := strings.TrimSpace(e.Content.Text); s != "" {
				system = append(system, s)
			}
		case session.RoleUser:
			messages = append(messages, Message{Role: MessageRoleUser, Content: e.Content.Text})
		case session.RoleSummary:
			messages = append(messages, Message{Role: MessageRoleUser, Content: SummaryPrefix + e.Content.Text})
		case session.RoleAssistant:
			messages = append(messages, Message{Role: MessageRoleAssistant, Content: e.Content.Text})
		case session.RoleToolCall:
			call := e.Content.ToolCall
			if call == nil {
				continue
			}
			messages = append(messages, Message{
				Role:    MessageRoleAssistant,
				Content: e.Metadata[metaAssistantText],
				ToolCalls: []ToolCall{{
					ID:        call.CallID,
					Name:      call.Name,
					Arguments: call.Arguments,
				}},
			})
		case session.RoleToolResult:
			result := e.Content.ToolResult
			if result == nil {
				continue
			}
			messages = append(messages, Message{
				Role:       MessageRoleTool,
				Content:    result.Output,
				ToolCallID: result.CallID,
				ToolName:   result.Name,
				IsError:    result.IsError,
			})
		}
	}
	return strings.Join(system, "\n\n"), messages
}
