package agent

import (
	"encoding/json"
	"fmt"

	"github.com/harun/sqlsaber/pkg/thread"
)

const missingResult = `{"success":false,"error":"tool result missing"}`

// ToolCallID is the synthetic provider id of a stored tool_call message.
func ToolCallID(messageID int64) string {
	return fmt.Sprintf("call_%d", messageID)
}

// exchange gathers one assistant response: optional thinking and text
// followed by tool calls and their results.
type exchange struct {
	round    int64
	thinking []Thinking
	text     string
	calls    []ToolCall
	results  map[string]ToolOutput
}

func (e *exchange) empty() bool {
	return e == nil || (len(e.thinking) == 0 && e.text == "" && len(e.calls) == 0)
}

// BuildTurns translates a stored message log into provider-neutral turns.
// Thinking, assistant text and tool messages of one response share a round
// and are grouped into an assistant turn followed by a tool turn. Messages
// without a round fall back to grouping by position. Tool results are
// paired with calls by name in FIFO order; calls without a result get an
// error result so the transcript stays well-formed.
func BuildTurns(messages []thread.Message) []Turn {
	pairs := thread.PairToolResults(messages)
	turns := make([]Turn, 0, len(messages))

	var cur *exchange
	flush := func() {
		if cur.empty() {
			cur = nil
			return
		}
		// a response that produced only reasoning carries nothing to replay
		if cur.text == "" && len(cur.calls) == 0 {
			cur = nil
			return
		}
		turns = append(turns, Turn{
			Role:      RoleAssistant,
			Text:      cur.text,
			Thinking:  cur.thinking,
			ToolCalls: cur.calls,
		})
		if len(cur.calls) > 0 {
			results := make([]ToolOutput, 0, len(cur.calls))
			for _, call := range cur.calls {
				out, ok := cur.results[call.ID]
				if !ok {
					out = ToolOutput{CallID: call.ID, Name: call.Name, Content: missingResult, IsError: true}
				}
				results = append(results, out)
			}
			turns = append(turns, Turn{Role: RoleTool, ToolResults: results})
		}
		cur = nil
	}
	open := func(round int64) *exchange {
		if cur == nil {
			cur = &exchange{round: round, results: map[string]ToolOutput{}}
		}
		return cur
	}
	// a new round starts a new response
	nextRound := func(round int64) bool {
		return round != 0 && cur != nil && cur.round != round
	}

	for _, msg := range messages {
		switch msg.Kind {
		case thread.KindUser:
			flush()
			turns = append(turns, Turn{Role: RoleUser, Text: msg.Text()})

		case thread.KindThinking:
			if nextRound(msg.Round) || (cur != nil && (cur.text != "" || len(cur.calls) > 0)) {
				flush()
			}
			content, err := msg.Thinking()
			if err != nil {
				continue
			}
			e := open(msg.Round)
			e.thinking = append(e.thinking, Thinking{
				Text:      content.Text,
				Signature: content.Signature,
				Redacted:  content.Redacted,
			})

		case thread.KindAssistant:
			if nextRound(msg.Round) || (cur != nil && (cur.text != "" || len(cur.calls) > 0)) {
				flush()
			}
			open(msg.Round).text = msg.Text()

		case thread.KindToolCall:
			call, err := msg.ToolCall()
			if err != nil {
				continue
			}
			args := call.ToolArgs
			if args == nil {
				args = map[string]interface{}{}
			}
			if nextRound(msg.Round) {
				flush()
			}
			e := open(msg.Round)
			e.calls = append(e.calls, ToolCall{ID: ToolCallID(msg.ID), Name: call.ToolName, Parameters: args})

		case thread.KindToolResult:
			callMsgID, ok := pairs[msg.ID]
			if !ok || cur == nil {
				continue
			}
			res, err := msg.ToolResult()
			if err != nil {
				continue
			}
			id := ToolCallID(callMsgID)
			cur.results[id] = ToolOutput{
				CallID:  id,
				Name:    res.ToolName,
				Content: encodeResult(res.Result),
				IsError: isFailedResult(res.Result),
			}
		}
	}
	flush()

	return turns
}

func encodeResult(result interface{}) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}

func isFailedResult(result interface{}) bool {
	m, ok := result.(map[string]interface{})
	if !ok {
		return false
	}
	success, ok := m["success"].(bool)
	return ok && !success
}
