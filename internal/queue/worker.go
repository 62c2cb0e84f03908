package queue

import (
	"context"
	"sync"
	"time"

	"github.com/atelierbot/atelier/internal/draw"
	"github.com/atelierbot/atelier/internal/logger"
)

// Generator drives the exclusive browser resource. Cleanup must be
// idempotent and safe to call even when Initialize never ran.
type Generator interface {
	Initialize(ctx context.Context) error
	Generate(ctx context.Context, prompt, imagePath string) (*draw.Result, error)
	Cleanup(ctx context.Context) error
}

const (
	idleInterval     = time.Second
	errorBackoff     = 5 * time.Second
	maxCooldownSleep = 5 * time.Second
	cleanupGrace     = 30 * time.Second
)

// Worker is the only consumer of the Manager's Next. It runs one job at
// a time: wait out the cooldown, dequeue, initialize the browser, run
// the generation, record the outcome, and always release the resource.
type Worker struct {
	manager *Manager
	gen     Generator

	// guards the dequeue-to-release critical path, separate from the
	// manager's bookkeeping lock so status queries stay responsive
	execMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(manager *Manager, gen Generator) *Worker {
	return &Worker{manager: manager, gen: gen}
}

// Start launches the loop if it is not already running.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	done := make(chan struct{})
	w.done = done

	// the goroutine owns its copy of the channel: Stop nils the field,
	// so reading it from inside the loop would race
	go w.run(ctx, done)
	logger.Info("draw queue worker started")
}

// Stop cancels the loop and waits for it to exit. An in-progress job
// still runs its resource release before the loop unwinds.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("draw queue worker stopped")
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if w.manager.QueueLength() == 0 {
			sleepCtx(ctx, idleInterval)
			continue
		}

		if err := w.processOne(ctx); err != nil && ctx.Err() == nil {
			logger.Error("draw worker iteration failed", "error", err)
			sleepCtx(ctx, errorBackoff)
		}
	}
}

// processOne handles exactly one request to a terminal status.
func (w *Worker) processOne(ctx context.Context) error {
	w.execMu.Lock()
	defer w.execMu.Unlock()

	// never start while the resource is settling
	for w.manager.InCooldown() {
		remaining := w.manager.CooldownRemaining()
		logger.Debug("waiting for browser cooldown", "remaining", remaining.Round(time.Second))
		sleepCtx(ctx, min(maxCooldownSleep, remaining))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	req := w.manager.Next()
	if req == nil {
		return nil
	}

	defer func() {
		// release even when the job context was cancelled mid-run
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupGrace)
		defer cancel()
		if err := w.gen.Cleanup(cleanupCtx); err != nil {
			logger.Warn("browser cleanup failed", "error", err)
		}
		w.manager.MarkResourceReleased()
	}()

	if err := w.gen.Initialize(ctx); err != nil {
		w.manager.Fail(req, "browser initialization failed: "+err.Error())
		return err
	}

	result, err := w.gen.Generate(ctx, req.Prompt, req.ImagePath)
	if err != nil {
		w.manager.Fail(req, err.Error())
		return err
	}

	w.manager.Complete(req, result)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
