package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atelierbot/atelier/internal/draw"
)

type stubGenerator struct {
	mu         sync.Mutex
	initErr    error
	genErr     error
	initCalls  int
	genCalls   int
	cleanCalls int
}

func (s *stubGenerator) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	return s.initErr
}

func (s *stubGenerator) Generate(ctx context.Context, prompt, imagePath string) (*draw.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genCalls++
	if s.genErr != nil {
		return nil, s.genErr
	}
	return &draw.Result{Prompt: prompt, Images: []draw.Image{{LocalPath: "/tmp/x.png"}}}, nil
}

func (s *stubGenerator) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanCalls++
	return nil
}

func (s *stubGenerator) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls, s.genCalls, s.cleanCalls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerProcessesToCompletion(t *testing.T) {
	m, _ := newTestManager()
	m.SetCooldown(0)
	gen := &stubGenerator{}

	added := m.Add("u1", "a cat in the rain", "")

	w := NewWorker(m, gen)
	w.Start()
	defer w.Stop()

	got := m.AwaitCompletion(context.Background(), added.ID, 3*time.Second)
	if got == nil {
		t.Fatal("request never completed")
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	if got.Result == nil || len(got.Result.Images) != 1 {
		t.Errorf("result payload missing: %+v", got.Result)
	}

	waitFor(t, func() bool {
		_, _, clean := gen.counts()
		return clean == 1
	})
}

func TestWorkerRecordsFailureAndContinues(t *testing.T) {
	m, _ := newTestManager()
	m.SetCooldown(0)
	gen := &stubGenerator{genErr: errors.New("generation blew up")}

	first := m.Add("u1", "cat", "")

	w := NewWorker(m, gen)
	w.Start()
	defer w.Stop()

	got := m.AwaitCompletion(context.Background(), first.ID, 3*time.Second)
	if got == nil || got.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", got)
	}
	if got.Error != "generation blew up" {
		t.Errorf("error text = %q", got.Error)
	}

	// resource released even on failure
	waitFor(t, func() bool {
		_, _, clean := gen.counts()
		return clean >= 1
	})
}

func TestWorkerFailsOnInitError(t *testing.T) {
	m, _ := newTestManager()
	m.SetCooldown(0)
	gen := &stubGenerator{initErr: errors.New("no browser")}

	added := m.Add("u1", "cat", "")

	w := NewWorker(m, gen)
	w.Start()
	defer w.Stop()

	got := m.AwaitCompletion(context.Background(), added.ID, 3*time.Second)
	if got == nil || got.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", got)
	}

	_, genCalls, cleanCalls := gen.counts()
	if genCalls != 0 {
		t.Error("generate should not run after init failure")
	}
	if cleanCalls == 0 {
		t.Error("cleanup should still run after init failure")
	}
}

func TestWorkerServesFIFO(t *testing.T) {
	m, clock := newTestManager()
	m.SetCooldown(0)
	gen := &stubGenerator{}

	var ids []string
	for _, p := range []string{"one", "two", "three"} {
		ids = append(ids, m.Add("u", p, "").ID)
		clock.Advance(time.Millisecond)
	}

	w := NewWorker(m, gen)
	w.Start()
	defer w.Stop()

	var done []*Request
	for _, id := range ids {
		req := m.AwaitCompletion(context.Background(), id, 5*time.Second)
		if req == nil {
			t.Fatalf("request %s never finished", id)
		}
		done = append(done, req)
	}

	for i := 1; i < len(done); i++ {
		if done[i].StartedAt.Before(done[i-1].StartedAt) {
			t.Error("requests served out of admission order")
		}
	}
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	m, _ := newTestManager()
	gen := &stubGenerator{}

	w := NewWorker(m, gen)
	w.Start()
	w.Start()
	w.Stop()

	// second stop must not panic or hang
	w.Stop()
}

func TestWorkerStopsCleanly(t *testing.T) {
	m, _ := newTestManager()
	gen := &stubGenerator{}

	w := NewWorker(m, gen)
	w.Start()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWorkerImmediateStopAfterStart(t *testing.T) {
	m, _ := newTestManager()
	gen := &stubGenerator{}

	// Stop racing goroutine startup must tear down cleanly every time
	for range 50 {
		w := NewWorker(m, gen)
		w.Start()
		w.Stop()
	}
}

func TestWorkerRestartAfterStop(t *testing.T) {
	m, _ := newTestManager()
	gen := &stubGenerator{}

	w := NewWorker(m, gen)
	w.Start()
	w.Stop()
	w.Start()

	m.Add("alice", "a castle at dusk", "")
	waitFor(t, func() bool {
		req := m.LatestStatusFor("alice")
		return req != nil && req.Status == StatusCompleted
	})

	w.Stop()
}
