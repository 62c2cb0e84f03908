package llm

import "context"

type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// Source is one citation attached to a grounded search answer.
type Source struct {
	Title string
	URL   string
}

type SearchResponse struct {
	Text    string
	Sources []Source
	Queries []string
}

type LLM interface {
	Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error)
	ChatWithTools(ctx context.Context, systemPrompt string, messages []Message, tools []Tool) (*ChatResponse, error)
	Search(ctx context.Context, query, instruction string) (*SearchResponse, error)
}
