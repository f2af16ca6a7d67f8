package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrBudgetExceeded ends a run that used its turn budget without a
	// final answer.
	ErrBudgetExceeded = errors.New("turn budget exceeded")
	// ErrCancelled ends a run whose context was cancelled.
	ErrCancelled = errors.New("run cancelled")
)

// Role of a provider-neutral conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one provider-neutral conversation entry built from the stored
// message log.
type Turn struct {
	Role Role
	// Text is the user prompt or the assistant's visible text.
	Text string
	// Thinking blocks precede the assistant's text and tool calls.
	Thinking []Thinking
	// ToolCalls requested by the assistant, in order.
	ToolCalls []ToolCall
	// ToolResults answer the previous assistant turn's ToolCalls, in order.
	ToolResults []ToolOutput
}

// Thinking is a reasoning block. Signature is opaque provider data needed
// to replay the block. Redacted carries encrypted reasoning in place of
// Text.
type Thinking struct {
	Text      string
	Signature string
	Redacted  string
}

func (t Thinking) empty() bool {
	return t.Text == "" && t.Redacted == ""
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolOutput is a tool's JSON-encoded answer to a ToolCall
type ToolOutput struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSpec advertises one tool to a provider
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// LLMRequest contains the request parameters for an LLM call
type LLMRequest struct {
	Model          string
	SystemPrompt   string
	Turns          []Turn
	Tools          []ToolSpec
	MaxTokens      int
	ThinkingBudget int
}

// ResponseKind tags an LLM response
type ResponseKind int

const (
	// ResponseFinal carries the final answer text
	ResponseFinal ResponseKind = iota
	// ResponseToolCalls asks for one or more tools to be executed
	ResponseToolCalls
)

func (k ResponseKind) String() string {
	if k == ResponseToolCalls {
		return "tool_calls"
	}
	return "final"
}

// Response is an LLM reply. Kind tells which variant it is; Thinking is
// optional for both.
type Response struct {
	Text      string
	Thinking  []Thinking
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Kind reports whether the response asks for tools or answers
func (r *Response) Kind() ResponseKind {
	if len(r.ToolCalls) > 0 {
		return ResponseToolCalls
	}
	return ResponseFinal
}

// ProviderError is a failed provider call. StatusCode is zero for
// transport failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryableError checks if an error should be retried: timeouts, rate
// limits, server errors and dropped connections.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.StatusCode > 0 {
		switch code := provErr.StatusCode; {
		case code == 408, code == 409, code == 429:
			return true
		case code >= 500:
			return true
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "econnreset", "etimedout", "rate limit", "overloaded"} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
