package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/session"
	"github.com/atelierbot/atelier/internal/tools"
)

// scriptedLLM returns canned responses in order, repeating the last one.
type scriptedLLM struct {
	responses []*llm.ChatResponse
	calls     int
}

func (s *scriptedLLM) Chat(ctx context.Context, systemPrompt string, messages []llm.Message) (string, error) {
	resp, err := s.ChatWithTools(ctx, systemPrompt, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *scriptedLLM) ChatWithTools(ctx context.Context, systemPrompt string, messages []llm.Message, t []llm.Tool) (*llm.ChatResponse, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func (s *scriptedLLM) Search(ctx context.Context, query, instruction string) (*llm.SearchResponse, error) {
	return &llm.SearchResponse{}, nil
}

type fakeExecutor struct {
	result      string
	err         error
	executed    []string
	definitions []llm.Tool
}

func (f *fakeExecutor) Tools() []llm.Tool { return f.definitions }

func (f *fakeExecutor) Execute(ctx context.Context, name, arguments string) (string, error) {
	f.executed = append(f.executed, name)
	return f.result, f.err
}

func newAgentSession(provider llm.LLM) *session.Session {
	store := session.NewStore(provider, 30*time.Minute)
	sess := store.GetOrCreate("42", "")
	sess.SetIntent("map")
	return sess
}

func toolCallResponse() *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "geocode", Arguments: `{"address":"pier 39"}`},
		},
	}
}

func TestRunReturnsFinalAnswer(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{
		{Content: "The pier is 3km away."},
	}}
	sess := newAgentSession(model)

	loop := NewLoop(&fakeExecutor{}, "you are a helpful assistant", nil)

	answer, err := loop.Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if answer != "The pier is 3km away." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if sess.Status() != session.StatusIdle {
		t.Errorf("expected idle, got %s", sess.Status())
	}
	if sess.Intent() != "" {
		t.Errorf("intent should be cleared, got %q", sess.Intent())
	}
}

func TestRunInsertsSystemPromptOnce(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{{Content: "done"}}}
	sess := newAgentSession(model)

	loop := NewLoop(&fakeExecutor{}, "priming text", nil)

	loop.Run(context.Background(), sess)
	sess.SetIntent("map")
	loop.Run(context.Background(), sess)

	system := 0
	history := sess.Conversation.History()
	for _, msg := range history {
		if msg.Role == "system" {
			system++
		}
	}

	if system != 1 {
		t.Errorf("expected exactly one system message, got %d", system)
	}
	if history[0].Role != "system" || history[0].Content != "priming text" {
		t.Errorf("system message should lead the history: %+v", history[0])
	}
}

func TestRunExecutesToolsAndContinues(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{
		toolCallResponse(),
		{Content: "It is at 37.8°N."},
	}}
	sess := newAgentSession(model)
	exec := &fakeExecutor{result: `{"lat":37.8,"lng":-122.4}`}

	loop := NewLoop(exec, "", nil)

	answer, err := loop.Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if answer != "It is at 37.8°N." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "geocode" {
		t.Errorf("expected one geocode call, got %v", exec.executed)
	}

	// tool response must be recorded against the call id
	var toolMsg *llm.Message
	for _, msg := range sess.Conversation.History() {
		if msg.Role == "tool" {
			m := msg
			toolMsg = &m
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool result not recorded: %+v", toolMsg)
	}
}

func TestRunHitsIterationCap(t *testing.T) {
	// model never stops asking for tools
	model := &scriptedLLM{responses: []*llm.ChatResponse{toolCallResponse()}}
	sess := newAgentSession(model)
	exec := &fakeExecutor{result: "{}"}

	loop := NewLoop(exec, "", nil)

	answer, err := loop.Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if model.calls != maxToolIterations {
		t.Errorf("expected %d model calls, got %d", maxToolIterations, model.calls)
	}
	if answer != apologyText {
		t.Errorf("expected apology, got %q", answer)
	}
	if sess.Status() != session.StatusIdle {
		t.Errorf("expected idle after cap, got %s", sess.Status())
	}
	if sess.Intent() != "" {
		t.Error("intent should be cleared after cap")
	}
}

func TestRunPausesOnTrailingQuestion(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{
		{Content: "Which city do you mean?"},
	}}
	sess := newAgentSession(model)

	loop := NewLoop(&fakeExecutor{}, "", nil)

	answer, err := loop.Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if answer != "Which city do you mean?" {
		t.Errorf("unexpected answer: %q", answer)
	}
	if sess.Status() != session.StatusAwaitingInput {
		t.Errorf("expected awaiting_user_input, got %s", sess.Status())
	}
	if sess.Intent() != "map" {
		t.Errorf("pending intent should survive a pause, got %q", sess.Intent())
	}
}

func TestRunPausesOnFullWidthQuestion(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{{Content: "要去哪个城市？"}}}
	sess := newAgentSession(model)

	loop := NewLoop(&fakeExecutor{}, "", nil)
	loop.Run(context.Background(), sess)

	if sess.Status() != session.StatusAwaitingInput {
		t.Errorf("full-width question should pause, got %s", sess.Status())
	}
}

func TestRunFoldsToolFailureIntoHistory(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{
		toolCallResponse(),
		{Content: "The map service misbehaved, sorry."},
	}}
	sess := newAgentSession(model)
	exec := &fakeExecutor{err: errors.New("rate limited")}

	loop := NewLoop(exec, "", nil)

	if _, err := loop.Run(context.Background(), sess); err != nil {
		t.Fatalf("tool failure must not abort the loop: %v", err)
	}

	found := false
	for _, msg := range sess.Conversation.History() {
		if msg.Role == "tool" && strings.Contains(msg.Content, `"error"`) && strings.Contains(msg.Content, "rate limited") {
			found = true
		}
	}
	if !found {
		t.Error("tool failure should be recorded as a structured error payload")
	}
}

func TestRunPropagatesUnavailableSubsystem(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.ChatResponse{toolCallResponse()}}
	sess := newAgentSession(model)
	exec := &fakeExecutor{err: tools.ErrUnavailable}

	loop := NewLoop(exec, "", nil)

	if _, err := loop.Run(context.Background(), sess); !errors.Is(err, tools.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if sess.Status() != session.StatusIdle {
		t.Errorf("expected idle after subsystem failure, got %s", sess.Status())
	}
}

func TestTrailingQuestion(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Which one?", true},
		{"哪一个？", true},
		{"Done.", false},
		{"Is this fine? Yes it is.", false},
		{"  Trailing space? ", true},
		{"", false},
	}

	for _, tc := range cases {
		if got := TrailingQuestion(tc.text); got != tc.want {
			t.Errorf("TrailingQuestion(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
