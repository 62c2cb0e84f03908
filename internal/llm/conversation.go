package llm

import (
	"context"
	"sync"
)

// Conversation is a mutable message history bound to an LLM. Mutating
// methods take the lock; Chat-style methods snapshot the history under
// the lock, then call the provider without holding it.
type Conversation struct {
	llm      LLM
	mu       sync.Mutex
	messages []Message
}

func NewConversation(llm LLM) *Conversation {
	return &Conversation{llm: llm}
}

// EnsureSystem inserts a system message at the front if none is present.
func (c *Conversation) EnsureSystem(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range c.messages {
		if msg.Role == "system" {
			return
		}
	}
	c.messages = append([]Message{{Role: "system", Content: prompt}}, c.messages...)
}

func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Chat appends the user text, calls the provider with the full history,
// appends the reply, and returns it.
func (c *Conversation) Chat(ctx context.Context, text string) (string, error) {
	c.Append(Message{Role: "user", Content: text})

	systemPrompt, history := c.split()

	reply, err := c.llm.Chat(ctx, systemPrompt, history)
	if err != nil {
		return "", err
	}

	c.Append(Message{Role: "assistant", Content: reply})
	return reply, nil
}

// AnalyzeWithTools calls the provider with the full history and a tool
// set, without appending anything. The caller decides what enters the
// history based on the response.
func (c *Conversation) AnalyzeWithTools(ctx context.Context, tools []Tool) (*ChatResponse, error) {
	systemPrompt, history := c.split()
	return c.llm.ChatWithTools(ctx, systemPrompt, history, tools)
}

// Analyze runs a one-shot prompt against the provider without touching
// the conversation history.
func (c *Conversation) Analyze(ctx context.Context, systemPrompt, text string) (string, error) {
	return c.llm.Chat(ctx, systemPrompt, []Message{{Role: "user", Content: text}})
}

// Search answers the query via the provider's search path and records
// the exchange in the history.
func (c *Conversation) Search(ctx context.Context, query, instruction string) (*SearchResponse, error) {
	resp, err := c.llm.Search(ctx, query, instruction)
	if err != nil {
		return nil, err
	}

	c.Append(Message{Role: "user", Content: query})
	c.Append(Message{Role: "assistant", Content: resp.Text})
	return resp, nil
}

// split snapshots the history, separating the leading system message
// from the chat turns.
func (c *Conversation) split() (string, []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var systemPrompt string
	var history []Message
	for _, msg := range c.messages {
		if msg.Role == "system" && systemPrompt == "" {
			systemPrompt = msg.Content
			continue
		}
		history = append(history, msg)
	}
	return systemPrompt, history
}
