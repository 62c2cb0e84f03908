package session

import (
	"sync"
	"time"

	"github.com/atelierbot/atelier/internal/llm"
)

type Status string

const (
	StatusIdle            Status = "idle"
	StatusProcessingAgent Status = "processing_agent"
	StatusAwaitingInput   Status = "awaiting_user_input"
)

// Session is one conversation scope. Conversation history lives in the
// owned llm.Conversation; the session's own fields are guarded by mu.
// processing is the per-scope guard: at most one handler flow works a
// session at a time, acquired via TryAcquire.
type Session struct {
	Conversation *llm.Conversation

	mu         sync.Mutex
	status     Status
	intent     string
	lastAccess time.Time

	processing sync.Mutex
}

// Info describes a live session for status commands.
type Info struct {
	HistoryLen int
	LastAccess time.Time
	Timeout    time.Duration
	ExpiresIn  time.Duration
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	llm     llm.LLM
	timeout time.Duration

	now func() time.Time

	cleanupCancel chan struct{}
	cleanupDone   chan struct{}
}
