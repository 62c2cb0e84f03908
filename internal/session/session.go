package session

import (
	"fmt"
	"time"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
)

const cleanupInterval = 60 * time.Second

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Session) Intent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

func (s *Session) SetIntent(intent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = intent
}

func (s *Session) lastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
}

// TryAcquire attempts to acquire the per-scope processing lock.
// Returns true if acquired, false if another handler owns the session.
func (s *Session) TryAcquire() bool {
	return s.processing.TryLock()
}

// Release releases the processing lock.
func (s *Session) Release() {
	s.processing.Unlock()
}

// NewStore creates a session store. A timeout <= 0 disables retention:
// every GetOrCreate returns a fresh, unstored session.
func NewStore(provider llm.LLM, timeout time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		llm:      provider,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Key builds the scope key for a user, optionally within a group.
func Key(userID, groupID string) string {
	if groupID != "" {
		return fmt.Sprintf("group_%s_user_%s", groupID, userID)
	}
	return "user_" + userID
}

func (s *Store) newSession(now time.Time) *Session {
	return &Session{
		Conversation: llm.NewConversation(s.llm),
		status:       StatusIdle,
		lastAccess:   now,
	}
}

func (s *Store) GetOrCreate(userID, groupID string) *Session {
	now := s.now()

	if s.timeout <= 0 {
		return s.newSession(now)
	}

	key := Key(userID, groupID)

	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()

	if ok && now.Sub(sess.lastAccessed()) <= s.timeout {
		sess.touch(now)
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok = s.sessions[key]; ok {
		if now.Sub(sess.lastAccessed()) <= s.timeout {
			sess.touch(now)
			return sess
		}
		delete(s.sessions, key)
	}

	sess = s.newSession(now)
	s.sessions[key] = sess

	return sess
}

// Clear wipes the conversation history for a scope and returns it to
// the idle state, keeping the session alive. A paused agent run does
// not survive a reset. Returns whether a live session was found.
func (s *Store) Clear(userID, groupID string) bool {
	if s.timeout <= 0 {
		return false
	}

	key := Key(userID, groupID)

	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	sess.Conversation.Clear()
	sess.SetStatus(StatusIdle)
	sess.SetIntent("")
	sess.touch(s.now())
	return true
}

// Timeout returns the configured retention window; <= 0 means context
// retention is disabled.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// SessionInfo reports on a live session, or nil if the scope has none.
func (s *Store) SessionInfo(userID, groupID string) *Info {
	if s.timeout <= 0 {
		return nil
	}

	key := Key(userID, groupID)

	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	idle := s.now().Sub(sess.lastAccessed())
	if idle > s.timeout {
		return nil
	}

	return &Info{
		HistoryLen: sess.Conversation.Len(),
		LastAccess: sess.lastAccessed(),
		Timeout:    s.timeout,
		ExpiresIn:  s.timeout - idle,
	}
}

// CountActive returns the number of stored sessions. Entries past their
// timeout but not yet swept are counted; this does not expire anything.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweep removes every session idle beyond the timeout. Same arithmetic
// as the lazy check in GetOrCreate.
func (s *Store) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.lastAccessed()) > s.timeout {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

// StartCleanup launches the periodic expiry sweep. No-op when retention
// is disabled or a sweep loop is already running.
func (s *Store) StartCleanup() {
	if s.timeout <= 0 || s.cleanupCancel != nil {
		return
	}

	s.cleanupCancel = make(chan struct{})
	s.cleanupDone = make(chan struct{})

	go func() {
		defer close(s.cleanupDone)

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					logger.Debug("expired idle sessions", "count", n)
				}
			case <-s.cleanupCancel:
				return
			}
		}
	}()
}

// StopCleanup cancels the sweep loop and waits for it to exit.
func (s *Store) StopCleanup() {
	if s.cleanupCancel == nil {
		return
	}
	close(s.cleanupCancel)
	<-s.cleanupDone
	s.cleanupCancel = nil
	s.cleanupDone = nil
}
