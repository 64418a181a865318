package acp

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// Roles an ExtractedMessage can carry. These mirror the chat roles the
// browser timeline groups messages by, not the ACP wire vocabulary.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ExtractedMessage represents a chat message extracted from an ACP
// SessionNotification for persistence to the control plane.
type ExtractedMessage struct {
	MessageID    string `json:"messageId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolMetadata string `json:"toolMetadata,omitempty"` // JSON string
}

// toolLocation is a file/line reference attached to a tool call.
type toolLocation struct {
	Path string `json:"path,omitempty"`
	Line *int   `json:"line,omitempty"`
}

// ToolMeta holds structured tool call metadata serialized as JSON into
// the ToolMetadata field of ExtractedMessage.
type ToolMeta struct {
	Kind      string         `json:"kind,omitempty"`
	Status    string         `json:"status,omitempty"`
	Locations []toolLocation `json:"locations,omitempty"`
}

func newToolMessage(content string, meta ToolMeta, placeholder string) ExtractedMessage {
	if content == "" {
		content = placeholder
	}
	metaJSON, _ := json.Marshal(meta)
	return ExtractedMessage{
		MessageID:    uuid.NewString(),
		Role:         RoleTool,
		Content:      content,
		ToolMetadata: string(metaJSON),
	}
}

// ExtractMessages converts an ACP SessionNotification into zero or more
// ExtractedMessage values suitable for the message reporter.
//
// Not every notification type produces a message. Only user/assistant text
// chunks and tool calls generate output. Thought chunks and plan updates
// are ignored to avoid flooding the chat history.
func ExtractMessages(notif acpsdk.SessionNotification) []ExtractedMessage {
	u := notif.Update
	var msgs []ExtractedMessage

	if u.UserMessageChunk != nil {
		if text := extractContentBlockText(u.UserMessageChunk.Content); text != "" {
			msgs = append(msgs, ExtractedMessage{MessageID: uuid.NewString(), Role: RoleUser, Content: text})
		}
	}

	if u.AgentMessageChunk != nil {
		if text := extractContentBlockText(u.AgentMessageChunk.Content); text != "" {
			msgs = append(msgs, ExtractedMessage{MessageID: uuid.NewString(), Role: RoleAssistant, Content: text})
		}
	}

	if u.ToolCall != nil {
		content := extractToolCallContents(u.ToolCall.Content)
		meta := ToolMeta{Kind: string(u.ToolCall.Kind), Status: string(u.ToolCall.Status)}
		for _, loc := range u.ToolCall.Locations {
			meta.Locations = append(meta.Locations, toolLocation{Path: loc.Path, Line: loc.Line})
		}
		msgs = append(msgs, newToolMessage(content, meta, "(tool call)"))
	}

	if u.ToolCallUpdate != nil {
		content := extractToolCallContents(u.ToolCallUpdate.Content)
		meta := ToolMeta{}
		if u.ToolCallUpdate.Kind != nil {
			meta.Kind = string(*u.ToolCallUpdate.Kind)
		}
		if u.ToolCallUpdate.Status != nil {
			meta.Status = string(*u.ToolCallUpdate.Status)
		}
		for _, loc := range u.ToolCallUpdate.Locations {
			meta.Locations = append(meta.Locations, toolLocation{Path: loc.Path, Line: loc.Line})
		}

		// Only emit a message when there's meaningful content or a status change —
		// otherwise every keystroke-level tool_call_update would surface as a bubble.
		if content != "" || meta.Status != "" {
			msgs = append(msgs, newToolMessage(content, meta, "(tool update)"))
		}
	}

	return msgs
}

// extractContentBlockText extracts text from a ContentBlock.
// Returns empty string if the block is not a text block.
func extractContentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// extractToolCallContents aggregates text from tool call content blocks.
func extractToolCallContents(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}
