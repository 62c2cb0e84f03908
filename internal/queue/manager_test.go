package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atelierbot/atelier/internal/draw"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *fakeClock) {
	clock := newFakeClock()
	m := NewManager()
	m.now = clock.Now
	m.pollInterval = 5 * time.Millisecond
	return m, clock
}

func TestAddAssignsPositions(t *testing.T) {
	m, clock := newTestManager()

	first := m.Add("u1", "cat", "")
	clock.Advance(time.Millisecond)
	second := m.Add("u2", "dog", "")

	if first.Position != 1 {
		t.Errorf("first position = %d, want 1", first.Position)
	}
	if second.Position != 2 {
		t.Errorf("second position = %d, want 2", second.Position)
	}

	if first.EstimatedWait != 0 {
		t.Errorf("empty queue, idle resource: estimated wait should be 0, got %v", first.EstimatedWait)
	}
	if second.EstimatedWait != defaultAverageProcessing {
		t.Errorf("one job ahead: estimated wait should be one average (%v), got %v",
			defaultAverageProcessing, second.EstimatedWait)
	}
}

func TestNextIsFIFO(t *testing.T) {
	m, clock := newTestManager()

	var ids []string
	for _, prompt := range []string{"a", "b", "c", "d"} {
		ids = append(ids, m.Add("u", prompt, "").ID)
		clock.Advance(time.Millisecond)
	}

	for i, want := range ids {
		req := m.Next()
		if req == nil {
			t.Fatalf("Next returned nil at %d", i)
		}
		if req.ID != want {
			t.Errorf("dequeue %d: got %s, want %s", i, req.ID, want)
		}
		// park it so the next dequeue is legal in the single-flight model
		m.Fail(req, "test")
	}

	if m.Next() != nil {
		t.Error("drained queue should return nil")
	}
}

func TestNextMarksProcessing(t *testing.T) {
	m, clock := newTestManager()

	m.Add("u1", "cat", "")
	clock.Advance(time.Millisecond)

	req := m.Next()
	if req.Status != StatusProcessing {
		t.Errorf("expected processing, got %s", req.Status)
	}
	if req.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}

	snap := m.Snapshot()
	if snap.ProcessingID != req.ID {
		t.Errorf("snapshot processing id = %s, want %s", snap.ProcessingID, req.ID)
	}
}

func TestCompleteUpdatesMovingAverage(t *testing.T) {
	m, clock := newTestManager()

	m.Add("u1", "cat", "")
	req := m.Next()

	clock.Advance(30 * time.Second)
	m.Complete(req, &draw.Result{Prompt: "cat"})

	// 0.8 * 60s + 0.2 * 30s = 54s
	want := 54 * time.Second
	if got := m.Snapshot().AverageProcessing; got != want {
		t.Errorf("average = %v, want %v", got, want)
	}

	if req.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", req.Status)
	}
}

func TestFailLeavesAverageUnchanged(t *testing.T) {
	m, clock := newTestManager()

	m.Add("u1", "cat", "")
	req := m.Next()

	clock.Advance(200 * time.Second)
	m.Fail(req, "browser crashed")

	if got := m.Snapshot().AverageProcessing; got != defaultAverageProcessing {
		t.Errorf("failure should not move the average: got %v", got)
	}

	if req.Status != StatusFailed || req.Error != "browser crashed" {
		t.Errorf("failure not recorded: %+v", req)
	}
}

func TestCompleteOnNonProcessingIsIgnored(t *testing.T) {
	m, clock := newTestManager()

	queued := m.Add("u1", "cat", "")
	clock.Advance(time.Millisecond)

	// still pending: neither terminal call may touch state
	stale := &Request{ID: queued.ID, Status: StatusPending}
	m.Complete(stale, &draw.Result{})
	m.Fail(stale, "nope")

	if got := m.Snapshot().AverageProcessing; got != defaultAverageProcessing {
		t.Errorf("average corrupted by ignored call: %v", got)
	}
	if m.QueueLength() != 1 {
		t.Errorf("queue corrupted by ignored call: len %d", m.QueueLength())
	}

	req := m.Next()
	clock.Advance(10 * time.Second)
	m.Complete(req, &draw.Result{})

	// a second Complete on the now-terminal request must also be a no-op
	avg := m.Snapshot().AverageProcessing
	clock.Advance(10 * time.Second)
	m.Complete(req, &draw.Result{})
	if m.Snapshot().AverageProcessing != avg {
		t.Error("double Complete moved the average")
	}
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	m, clock := newTestManager()

	queued := m.Add("u1", "cat", "")

	if !m.Cancel(queued.ID) {
		t.Error("cancel of queued request should succeed")
	}
	if m.QueueLength() != 0 {
		t.Errorf("cancelled request still queued, len %d", m.QueueLength())
	}

	clock.Advance(time.Millisecond)
	inflight := m.Add("u1", "dog", "")
	m.Next()

	if m.Cancel(inflight.ID) {
		t.Error("cancel of in-flight request should be refused")
	}

	if m.Cancel("no_such_id") {
		t.Error("cancel of unknown id should return false")
	}
}

func TestCooldown(t *testing.T) {
	m, clock := newTestManager()

	if m.InCooldown() {
		t.Error("no release yet, should not be cooling")
	}

	m.MarkResourceReleased()

	if !m.InCooldown() {
		t.Error("should be cooling right after release")
	}
	if got := m.CooldownRemaining(); got != defaultCooldown {
		t.Errorf("remaining = %v, want %v", got, defaultCooldown)
	}

	clock.Advance(181 * time.Second)

	if m.InCooldown() {
		t.Error("cooldown should have elapsed")
	}
	if got := m.CooldownRemaining(); got != 0 {
		t.Errorf("remaining = %v, want 0", got)
	}
}

func TestEstimatedWaitIncludesInFlightAndCooldown(t *testing.T) {
	m, clock := newTestManager()
	m.SetCooldown(100 * time.Second)

	m.Add("u1", "cat", "")
	m.Next()
	clock.Advance(20 * time.Second) // in-flight for 20s of a 60s average
	m.MarkResourceReleased()        // cooling for the next 100s

	req := m.Add("u2", "dog", "")

	// 0 queued ahead + (60-20)s in-flight remainder + 100s cooldown
	want := 140 * time.Second
	if req.EstimatedWait != want {
		t.Errorf("estimated wait = %v, want %v", req.EstimatedWait, want)
	}
}

func TestPositionOf(t *testing.T) {
	m, clock := newTestManager()

	if m.PositionOf("u1") != 0 {
		t.Error("no requests: position should be 0")
	}

	m.Add("u1", "one", "")
	clock.Advance(time.Millisecond)
	m.Add("u2", "two", "")
	clock.Advance(time.Millisecond)
	m.Add("u1", "three", "")

	// latest request wins
	if got := m.PositionOf("u1"); got != 3 {
		t.Errorf("position = %d, want 3", got)
	}
	if got := m.PositionOf("u2"); got != 2 {
		t.Errorf("position = %d, want 2", got)
	}
}

func TestLatestStatusFor(t *testing.T) {
	m, clock := newTestManager()

	if m.LatestStatusFor("u1") != nil {
		t.Error("no history: expected nil")
	}

	done := m.Add("u1", "old", "")
	req := m.Next()
	clock.Advance(time.Second)
	m.Complete(req, &draw.Result{})

	if got := m.LatestStatusFor("u1"); got == nil || got.ID != done.ID {
		t.Fatalf("expected completed request, got %+v", got)
	}

	clock.Advance(time.Millisecond)
	queued := m.Add("u1", "new", "")

	// queued beats history
	if got := m.LatestStatusFor("u1"); got.ID != queued.ID {
		t.Errorf("expected queued request %s, got %s", queued.ID, got.ID)
	}

	inflight := m.Next()
	if got := m.LatestStatusFor("u1"); got.ID != inflight.ID || got.Status != StatusProcessing {
		t.Errorf("expected in-flight request, got %+v", got)
	}
}

func TestLatestStatusForReturnsCopy(t *testing.T) {
	m, _ := newTestManager()

	m.Add("u1", "cat", "")
	got := m.LatestStatusFor("u1")
	got.Status = StatusFailed

	if fresh := m.LatestStatusFor("u1"); fresh.Status != StatusPending {
		t.Error("LatestStatusFor should return a copy")
	}
}

func TestAwaitCompletionObservesResult(t *testing.T) {
	m, clock := newTestManager()

	added := m.Add("u1", "cat", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		req := m.Next()
		clock.Advance(5 * time.Second)
		m.Complete(req, &draw.Result{Prompt: "cat"})
	}()

	got := m.AwaitCompletion(context.Background(), added.ID, time.Second)
	if got == nil {
		t.Fatal("expected completed request")
	}
	if got.Status != StatusCompleted || got.Result == nil {
		t.Errorf("unexpected terminal state: %+v", got)
	}
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	m, _ := newTestManager()

	added := m.Add("u1", "cat", "")

	if got := m.AwaitCompletion(context.Background(), added.ID, 30*time.Millisecond); got != nil {
		t.Errorf("expected timeout nil, got %+v", got)
	}
}

func TestAwaitCompletionVanishedRequest(t *testing.T) {
	m, _ := newTestManager()

	if got := m.AwaitCompletion(context.Background(), "never_existed", time.Second); got != nil {
		t.Errorf("expected nil for unknown request, got %+v", got)
	}
}

func TestPurgeOld(t *testing.T) {
	m, clock := newTestManager()

	old := m.Add("u1", "old", "")
	req := m.Next()
	m.Complete(req, &draw.Result{})

	clock.Advance(25 * time.Hour)

	m.Add("u2", "fresh-fail", "")
	req = m.Next()
	m.Fail(req, "boom")

	clock.Advance(time.Millisecond)
	cancelled := m.Add("u3", "fresh-cancel", "")
	m.Cancel(cancelled.ID)

	if removed := m.PurgeOld(24 * time.Hour); removed != 1 {
		t.Errorf("expected 1 purged, got %d", removed)
	}

	if got := m.LatestStatusFor("u1"); got != nil && got.ID == old.ID {
		t.Error("old entry should be gone")
	}
	if got := m.LatestStatusFor("u2"); got == nil || got.Status != StatusFailed {
		t.Error("recent failed entry should survive")
	}
	if got := m.LatestStatusFor("u3"); got == nil || got.Status != StatusCancelled {
		t.Error("recent cancelled entry should survive")
	}
}

func TestSingleProcessingUnderConcurrentAdds(t *testing.T) {
	m, _ := newTestManager()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Add("user", "prompt", "")
			m.Snapshot()
			m.PositionOf("user")
		}(i)
	}
	wg.Wait()

	if m.QueueLength() != 50 {
		t.Fatalf("expected 50 queued, got %d", m.QueueLength())
	}

	first := m.Next()
	if first == nil {
		t.Fatal("expected a request")
	}

	// one in flight: the snapshot must show exactly it until terminal
	snap := m.Snapshot()
	if snap.ProcessingID != first.ID {
		t.Errorf("processing id = %s, want %s", snap.ProcessingID, first.ID)
	}
	if snap.QueueLength != 49 {
		t.Errorf("queue length = %d, want 49", snap.QueueLength)
	}
}
