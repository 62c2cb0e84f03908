package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
	"github.com/atelierbot/atelier/internal/session"
	"github.com/atelierbot/atelier/internal/tools"
)

const maxToolIterations = 5

const apologyText = "I apologize, but I'm having trouble completing this request. Please try again."

// Executor is the tool-execution collaborator. Execute returns an
// ordinary error for a failed call and tools.ErrUnavailable when the
// whole subsystem is down.
type Executor interface {
	Tools() []llm.Tool
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// PausePolicy decides whether a final answer is the agent asking the
// user a question, which pauses the loop instead of finishing it.
type PausePolicy func(text string) bool

// TrailingQuestion is the default policy: a reply ending in a question
// mark (half- or full-width) is treated as a question to the user.
func TrailingQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？")
}

// Loop runs the bounded tool-calling conversation for one session.
type Loop struct {
	tools        Executor
	systemPrompt string
	pause        PausePolicy
}

func NewLoop(executor Executor, systemPrompt string, pause PausePolicy) *Loop {
	if pause == nil {
		pause = TrailingQuestion
	}
	return &Loop{
		tools:        executor,
		systemPrompt: systemPrompt,
		pause:        pause,
	}
}

// Run drives the session's conversation until the model produces a
// final answer, pauses with a question, or the iteration cap is hit.
// Status moves IDLE -> PROCESSING_AGENT -> {IDLE, AWAITING_USER_INPUT}.
func (l *Loop) Run(ctx context.Context, sess *session.Session) (string, error) {
	sess.SetStatus(session.StatusProcessingAgent)

	conv := sess.Conversation
	conv.EnsureSystem(l.systemPrompt)

	availableTools := l.tools.Tools()

	for i := range maxToolIterations {
		logger.Debug("agent loop iteration", "iteration", i, "messages", conv.Len())

		resp, err := conv.AnalyzeWithTools(ctx, availableTools)
		if err != nil {
			l.finish(sess)
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			conv.Append(llm.Message{Role: "assistant", Content: resp.Content})

			if l.pause(resp.Content) {
				// pending intent stays set so the next message from
				// this scope resumes the same tool context
				logger.Debug("agent paused awaiting user input")
				sess.SetStatus(session.StatusAwaitingInput)
				return resp.Content, nil
			}

			l.finish(sess)
			return resp.Content, nil
		}

		logger.Debug("model requested tools", "count", len(resp.ToolCalls))
		conv.Append(llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			logger.Debug("executing tool", "name", tc.Name, "id", tc.ID)

			result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				if errors.Is(err, tools.ErrUnavailable) {
					l.finish(sess)
					return "", err
				}
				// feed the failure back so the model can react to it
				result = toolError(err)
			}

			conv.Append(llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	logger.Warn("agent loop hit max iterations", "max", maxToolIterations)
	l.finish(sess)
	return apologyText, nil
}

// finish is the normal-termination exit: idle status, intent cleared.
func (l *Loop) finish(sess *session.Session) {
	sess.SetStatus(session.StatusIdle)
	sess.SetIntent("")
}

func toolError(err error) string {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(payload)
}
