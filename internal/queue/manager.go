package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelierbot/atelier/internal/draw"
	"github.com/atelierbot/atelier/internal/logger"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Request is one admitted draw job. Fields are written only by the
// Manager under its lock; callers outside the worker receive copies.
type Request struct {
	ID          string
	RequesterID string
	Prompt      string
	ImagePath   string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *draw.Result
	Error       string

	// admission-time bookkeeping
	EstimatedWait time.Duration
	Position      int
}

// Snapshot is a point-in-time view of the queue for status commands.
type Snapshot struct {
	QueueLength       int
	ProcessingID      string
	TotalRequests     int
	AverageProcessing time.Duration
	InCooldown        bool
	CooldownRemaining time.Duration
}

const (
	defaultAverageProcessing = 60 * time.Second
	defaultCooldown          = 180 * time.Second
	defaultPollInterval      = time.Second
)

// Manager is the single admission queue in front of the exclusive
// browser resource. Every mutation is serialized by mu; the lock is
// never held across a sleep or an external call.
type Manager struct {
	mu sync.Mutex

	queue      []*Request
	processing *Request
	completed  []*Request

	totalRequests     int
	averageProcessing time.Duration

	cooldown    time.Duration
	lastRelease time.Time

	now          func() time.Time
	pollInterval time.Duration
}

func NewManager() *Manager {
	return &Manager{
		averageProcessing: defaultAverageProcessing,
		cooldown:          defaultCooldown,
		now:               time.Now,
		pollInterval:      defaultPollInterval,
	}
}

// SetCooldown sets the settle window enforced after each resource release.
func (m *Manager) SetCooldown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = d
	logger.Info("browser cooldown configured", "seconds", d.Seconds())
}

// MarkResourceReleased records the resource close time, starting the
// cooldown window.
func (m *Manager) MarkResourceReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRelease = m.now()
	logger.Info("browser released, cooldown started")
}

func (m *Manager) InCooldown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownRemainingLocked() > 0
}

func (m *Manager) CooldownRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownRemainingLocked()
}

func (m *Manager) cooldownRemainingLocked() time.Duration {
	if m.lastRelease.IsZero() {
		return 0
	}
	remaining := m.cooldown - m.now().Sub(m.lastRelease)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Add admits a request at the tail of the queue and returns a copy with
// its 1-based position and estimated wait filled in.
func (m *Manager) Add(requesterID, prompt, imagePath string) Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// jobs already in line, each costing one average run
	estimated := time.Duration(len(m.queue)) * m.averageProcessing

	// plus the in-flight job's remaining time
	if m.processing != nil {
		elapsed := now.Sub(m.processing.StartedAt)
		if remaining := m.averageProcessing - elapsed; remaining > 0 {
			estimated += remaining
		}
	}

	// plus whatever is left of the cooldown window
	estimated += m.cooldownRemainingLocked()

	req := &Request{
		ID:            fmt.Sprintf("%s_%d", requesterID, now.UnixMilli()),
		RequesterID:   requesterID,
		Prompt:        prompt,
		ImagePath:     imagePath,
		Status:        StatusPending,
		CreatedAt:     now,
		EstimatedWait: estimated,
	}

	m.queue = append(m.queue, req)
	m.totalRequests++
	req.Position = len(m.queue)

	logger.Info("draw request queued",
		"requester", requesterID,
		"position", req.Position,
		"estimated_wait", estimated.Round(time.Second))

	return *req
}

// Next pops the head of the queue and marks it the single in-flight
// request. Returns nil when the queue is empty.
func (m *Manager) Next() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}

	req := m.queue[0]
	m.queue = m.queue[1:]
	req.Status = StatusProcessing
	req.StartedAt = m.now()
	m.processing = req

	logger.Info("processing draw request", "id", req.ID)
	return req
}

// Complete marks the in-flight request done, stores the result, and
// folds its duration into the moving average. Ignores requests that
// are not the current in-flight one.
func (m *Manager) Complete(req *Request, result *draw.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing != req {
		logger.Warn("complete on non-processing request ignored", "id", req.ID)
		return
	}

	req.Status = StatusCompleted
	req.CompletedAt = m.now()
	req.Result = result

	if d := req.CompletedAt.Sub(req.StartedAt); d > 0 {
		m.averageProcessing = time.Duration(float64(m.averageProcessing)*0.8 + float64(d)*0.2)
	}

	m.completed = append(m.completed, req)
	m.processing = nil

	logger.Info("draw request completed", "id", req.ID,
		"duration", req.CompletedAt.Sub(req.StartedAt).Round(time.Second))
}

// Fail marks the in-flight request failed. A failure's duration is not
// representative, so the moving average stays untouched.
func (m *Manager) Fail(req *Request, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing != req {
		logger.Warn("fail on non-processing request ignored", "id", req.ID)
		return
	}

	req.Status = StatusFailed
	req.CompletedAt = m.now()
	req.Error = errText

	m.completed = append(m.completed, req)
	m.processing = nil

	logger.Error("draw request failed", "id", req.ID, "error", errText)
}

// Cancel removes a still-queued request. In-flight work cannot be
// aborted; Cancel returns false for it.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, req := range m.queue {
		if req.ID == requestID {
			req.Status = StatusCancelled
			req.CompletedAt = m.now()
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.completed = append(m.completed, req)
			logger.Info("draw request cancelled", "id", requestID)
			return true
		}
	}

	if m.processing != nil && m.processing.ID == requestID {
		logger.Warn("cannot cancel in-flight request", "id", requestID)
	}

	return false
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		QueueLength:       len(m.queue),
		TotalRequests:     m.totalRequests,
		AverageProcessing: m.averageProcessing,
		CooldownRemaining: m.cooldownRemainingLocked(),
	}
	snap.InCooldown = snap.CooldownRemaining > 0
	if m.processing != nil {
		snap.ProcessingID = m.processing.ID
	}
	return snap
}

// QueueLength reports pending entries only, not the in-flight one.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// PositionOf returns the 1-based position of the requester's latest
// still-queued request, or 0 if they have none queued.
func (m *Manager) PositionOf(requesterID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	position := 0
	for i, req := range m.queue {
		if req.RequesterID == requesterID {
			position = i + 1
		}
	}
	return position
}

// LatestStatusFor finds the requester's most relevant request: the
// in-flight one if theirs, else their earliest queued one, else their
// newest entry among the last 10 finished requests.
func (m *Manager) LatestStatusFor(requesterID string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing != nil && m.processing.RequesterID == requesterID {
		out := *m.processing
		return &out
	}

	for _, req := range m.queue {
		if req.RequesterID == requesterID {
			out := *req
			return &out
		}
	}

	recent := m.completed
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].RequesterID == requesterID {
			out := *recent[i]
			return &out
		}
	}

	return nil
}

// lookup classifies where a request currently lives.
func (m *Manager) lookup(requestID string) (finished *Request, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.completed {
		if req.ID == requestID {
			out := *req
			return &out, false
		}
	}

	if m.processing != nil && m.processing.ID == requestID {
		return nil, true
	}

	for _, req := range m.queue {
		if req.ID == requestID {
			return nil, true
		}
	}

	return nil, false
}

// AwaitCompletion polls until the request reaches a terminal status or
// the timeout elapses. Returns nil on timeout, and nil immediately if
// the request vanished without a terminal record.
func (m *Manager) AwaitCompletion(ctx context.Context, requestID string, timeout time.Duration) *Request {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		finished, live := m.lookup(requestID)
		if finished != nil {
			return finished
		}
		if !live {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

// PurgeOld drops finished requests older than maxAge and reports how
// many were removed.
func (m *Manager) PurgeOld(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	kept := m.completed[:0]
	for _, req := range m.completed {
		if !req.CompletedAt.IsZero() && req.CompletedAt.After(cutoff) {
			kept = append(kept, req)
		}
	}

	removed := len(m.completed) - len(kept)
	m.completed = kept

	if removed > 0 {
		logger.Info("purged old draw requests", "count", removed)
	}
	return removed
}
