package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
)

type Intent string

const (
	Chat    Intent = "CHAT"
	Search  Intent = "SEARCH"
	Map     Intent = "MAP"
	Unknown Intent = "UNKNOWN"
)

// Result is a classification outcome. NeedsTools is true when the
// intent should be routed through the agent tool loop.
type Result struct {
	Intent     Intent
	NeedsTools bool
	Confidence float64
	Reasoning  string
}

// Map keywords are checked before search keywords: a query like
// "search for a route to the airport" is a map task, not a web search.
var mapKeywords = []string{
	"map", "route", "directions", "navigate", "how far",
	"weather", "traffic", "coordinates", "address", "how do i get to",
	"nearby", "distance to",
}

var searchKeywords = []string{
	"search", "look up", "latest", "news", "real-time",
	"today's", "current price", "breaking",
}

// ByKeywords classifies by case-insensitive substring match.
// Deterministic; no match means plain chat.
func ByKeywords(query string) Intent {
	lower := strings.ToLower(query)

	for _, kw := range mapKeywords {
		if strings.Contains(lower, kw) {
			return Map
		}
	}

	for _, kw := range searchKeywords {
		if strings.Contains(lower, kw) {
			return Search
		}
	}

	return Chat
}

const classifyPrompt = `You are an intent classifier. Decide whether the user query needs a tool call.

Tool categories:
1. MAP - geography and location queries: geocoding, place lookup, routing and directions, distances, local weather and traffic.
2. SEARCH - web search, only when the user explicitly asks to search or needs fresh real-time information (latest news, today's prices, current events).
3. CHAT - everything else: writing, coding, explanations, analysis, small talk, calculations.

Rules:
- Location, place, route, distance, coordinates, address or weather queries lean MAP.
- Explicit search requests or time-sensitive lookups lean SEARCH.
- Anything else is CHAT.

Reply with strict JSON only:
{
    "intent": "MAP|SEARCH|CHAT",
    "confidence": 0.0-1.0,
    "reasoning": "one sentence"
}`

var jsonPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Classifier runs the model-backed classification pass. A nil provider
// is allowed; Classify then degrades the same way as any call failure.
type Classifier struct {
	llm llm.LLM
}

func NewClassifier(provider llm.LLM) *Classifier {
	return &Classifier{llm: provider}
}

// degraded is the fallback for any classification failure. Classify
// never returns an error: a broken classifier must not break the chat.
func degraded(reason string) Result {
	return Result{
		Intent:     Unknown,
		NeedsTools: false,
		Confidence: 0.5,
		Reasoning:  reason,
	}
}

func (c *Classifier) Classify(ctx context.Context, query string) Result {
	if c.llm == nil {
		return degraded("no auxiliary model configured")
	}

	resp, err := c.llm.Chat(ctx, classifyPrompt, []llm.Message{
		{Role: "user", Content: query},
	})
	if err != nil {
		logger.Warn("intent classification call failed", "error", err)
		return degraded(fmt.Sprintf("classification call failed: %v", err))
	}

	// models wrap the JSON in prose more often than not
	match := jsonPattern.FindString(resp)
	if match == "" {
		logger.Warn("no JSON object in classification response")
		return degraded("no JSON object in response")
	}

	var parsed struct {
		Intent     string   `json:"intent"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		logger.Warn("malformed classification JSON", "error", err)
		return degraded("malformed classification JSON")
	}

	if parsed.Intent == "" || parsed.Confidence == nil || parsed.Reasoning == "" {
		return degraded("classification JSON missing required keys")
	}

	tag := Intent(strings.ToUpper(parsed.Intent))
	return Result{
		Intent:     tag,
		NeedsTools: tag == Map || tag == Search,
		Confidence: *parsed.Confidence,
		Reasoning:  parsed.Reasoning,
	}
}
