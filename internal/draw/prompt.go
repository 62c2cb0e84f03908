package draw

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
)

const optimizePrompt = `You are an image prompt engineer. Rewrite the user's image request into a single richer generation prompt: add style, lighting, composition and detail while keeping the user's subject and language.

Reply with strict JSON only:
{
    "prompt": "the rewritten prompt"
}`

var promptJSON = regexp.MustCompile(`(?s)\{.*\}`)

// PromptOptimizer rewrites draw prompts with an auxiliary model. Any
// failure returns the original prompt unchanged.
type PromptOptimizer struct {
	llm llm.LLM
}

func NewPromptOptimizer(provider llm.LLM) *PromptOptimizer {
	return &PromptOptimizer{llm: provider}
}

func (o *PromptOptimizer) Optimize(ctx context.Context, prompt string) string {
	if o == nil || o.llm == nil {
		return prompt
	}

	resp, err := o.llm.Chat(ctx, optimizePrompt, []llm.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		logger.Warn("prompt optimization failed", "error", err)
		return prompt
	}

	match := promptJSON.FindString(resp)
	if match == "" {
		return prompt
	}

	var parsed struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		logger.Warn("malformed optimization JSON", "error", err)
		return prompt
	}

	optimized := strings.TrimSpace(parsed.Prompt)
	if optimized == "" {
		return prompt
	}

	logger.Debug("prompt optimized", "original", prompt, "optimized", optimized)
	return optimized
}
