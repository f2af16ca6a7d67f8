package thread

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusError, true},
		{StatusPending, StatusError, true},
		{StatusCompleted, StatusPending, true},
		{StatusError, StatusPending, true},
		{StatusPending, StatusPending, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusError, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSourcesFor(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusCompleted, StatusError}, SourcesFor(StatusPending))
	assert.ElementsMatch(t, []Status{StatusPending}, SourcesFor(StatusRunning))
	assert.ElementsMatch(t, []Status{StatusPending, StatusRunning}, SourcesFor(StatusError))
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("t1", StatusRunning)

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", err), ErrConflict))
	assert.Contains(t, err.Error(), "t1")
	assert.Contains(t, err.UserMessage(), "currently running")
	assert.Equal(t, "Thread has not started yet.", NewConflictError("t1", StatusPending).UserMessage())
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "How many users signed up?", DeriveTitle("  How many\nusers   signed up?  "))

	long := strings.Repeat("é", 150)
	assert.Equal(t, MaxTitleRunes, len([]rune(DeriveTitle(long))))
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "boom", TruncateError("  boom \n"))
	assert.Len(t, TruncateError(strings.Repeat("x", 5000)), MaxErrorLength)
}

func TestPairToolResults(t *testing.T) {
	msgs := []Message{
		withID(UserMessage("t", "hi"), 1),
		withID(mustMessage(t, KindToolCall, ToolCallContent{ToolName: "execute_sql"}), 2),
		withID(mustMessage(t, KindToolCall, ToolCallContent{ToolName: "list_tables"}), 3),
		withID(mustMessage(t, KindToolCall, ToolCallContent{ToolName: "execute_sql"}), 4),
		withID(mustMessage(t, KindToolResult, ToolResultContent{ToolName: "execute_sql"}), 5),
		withID(mustMessage(t, KindToolResult, ToolResultContent{ToolName: "list_tables"}), 6),
		withID(mustMessage(t, KindToolResult, ToolResultContent{ToolName: "execute_sql"}), 7),
		withID(mustMessage(t, KindToolResult, ToolResultContent{ToolName: "orphan"}), 8),
	}

	pairs := PairToolResults(msgs)

	assert.Equal(t, map[int64]int64{5: 2, 6: 3, 7: 4}, pairs)
}

func TestMessageDecoding(t *testing.T) {
	msg := mustMessage(t, KindToolCall, ToolCallContent{ToolName: "list_tables"})
	call, err := msg.ToolCall()
	require.NoError(t, err)
	assert.Equal(t, "list_tables", call.ToolName)
	assert.NotNil(t, call.ToolArgs)

	assert.Equal(t, "hello", UserMessage("t", "hello").Text())
	assert.Equal(t, "hello", FirstUserPrompt([]Message{UserMessage("t", "hello"), UserMessage("t", "again")}))

	_, err = NewMessage("t", Kind("bogus"), TextContent{})
	assert.Error(t, err)
}

func mustMessage(t *testing.T, kind Kind, content interface{}) Message {
	t.Helper()
	msg, err := NewMessage("t", kind, content)
	require.NoError(t, err)
	return msg
}

func withID(m Message, id int64) Message {
	m.ID = id
	return m
}
