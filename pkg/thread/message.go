package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the payload carried by a message
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Valid reports whether k is a known message kind
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAssistant, KindThinking, KindToolCall, KindToolResult:
		return true
	}
	return false
}

// Message is one entry of a thread's append-only log. ID is assigned by the
// store when the message is appended. Round numbers the LLM response that
// produced the message, increasing within a thread; it is zero for user
// prompts.
type Message struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Kind      Kind            `json:"type"`
	Content   json.RawMessage `json:"content"`
	Round     int64           `json:"round,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TextContent is the payload of user and assistant messages
type TextContent struct {
	Text string `json:"text"`
}

// ThinkingContent is the payload of thinking messages. Redacted holds
// encrypted reasoning the provider returned instead of text.
type ThinkingContent struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
	Redacted  string `json:"redacted,omitempty"`
}

// ToolCallContent is the payload of tool_call messages
type ToolCallContent struct {
	ToolName string                 `json:"tool_name"`
	ToolArgs map[string]interface{} `json:"tool_args"`
}

// ToolResultContent is the payload of tool_result messages
type ToolResultContent struct {
	ToolName string      `json:"tool_name"`
	Result   interface{} `json:"result"`
}

// NewMessage builds an unsaved message with a JSON-encoded payload.
func NewMessage(threadID string, kind Kind, content interface{}) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("invalid message kind: %q", kind)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s content: %w", kind, err)
	}
	return Message{ThreadID: threadID, Kind: kind, Content: raw}, nil
}

// UserMessage builds an unsaved user message
func UserMessage(threadID, text string) Message {
	msg, _ := NewMessage(threadID, KindUser, TextContent{Text: text})
	return msg
}

// Text decodes the text payload of user, assistant and thinking messages.
func (m Message) Text() string {
	var c TextContent
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return ""
	}
	return c.Text
}

// Thinking decodes a thinking payload
func (m Message) Thinking() (ThinkingContent, error) {
	var c ThinkingContent
	err := json.Unmarshal(m.Content, &c)
	return c, err
}

// ToolCall decodes a tool_call payload
func (m Message) ToolCall() (ToolCallContent, error) {
	var c ToolCallContent
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return c, err
	}
	if c.ToolArgs == nil {
		c.ToolArgs = map[string]interface{}{}
	}
	return c, nil
}

// ToolResult decodes a tool_result payload
func (m Message) ToolResult() (ToolResultContent, error) {
	var c ToolResultContent
	err := json.Unmarshal(m.Content, &c)
	return c, err
}

// PairToolResults maps each tool_result message id to the id of the
// tool_call it answers. Calls are matched by tool name, oldest unmatched
// call first. Results with no open call of their name are left out.
func PairToolResults(messages []Message) map[int64]int64 {
	open := make(map[string][]int64)
	pairs := make(map[int64]int64)

	for _, msg := range messages {
		switch msg.Kind {
		case KindToolCall:
			call, err := msg.ToolCall()
			if err != nil {
				continue
			}
			open[call.ToolName] = append(open[call.ToolName], msg.ID)
		case KindToolResult:
			res, err := msg.ToolResult()
			if err != nil {
				continue
			}
			queue := open[res.ToolName]
			if len(queue) == 0 {
				continue
			}
			pairs[msg.ID] = queue[0]
			open[res.ToolName] = queue[1:]
		}
	}

	return pairs
}

// LastRound returns the highest response round in messages
func LastRound(messages []Message) int64 {
	var last int64
	for _, msg := range messages {
		if msg.Round > last {
			last = msg.Round
		}
	}
	return last
}

// FirstUserPrompt returns the text of the earliest user message.
func FirstUserPrompt(messages []Message) string {
	for _, msg := range messages {
		if msg.Kind == KindUser {
			return msg.Text()
		}
	}
	return ""
}
