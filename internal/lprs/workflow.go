package lprs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/metrics"
)

// Workflow drives the per-stream plate recognition loops. At most one
// iteration is in flight per stream key; stopping a stream lets the
// current iteration finish and prevents the re-arm.
type Workflow struct {
	pipeline *Pipeline
	caches   *caches.PlateCaches
	m        *metrics.Metrics
	logger   *log.Logger

	mu        sync.Mutex
	active    map[string]bool
	inFlight  map[string]bool
	deadlines map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkflow builds the scheduler over a parent context that, once
// cancelled, winds every loop down.
func NewWorkflow(parent context.Context, p *Pipeline, cc *caches.PlateCaches, m *metrics.Metrics) *Workflow {
	ctx, cancel := context.WithCancel(parent)
	return &Workflow{
		pipeline:  p,
		caches:    cc,
		m:         m,
		logger:    log.New(log.Writer(), "[LPRS-WORKFLOW] ", log.LstdFlags),
		active:    make(map[string]bool),
		inFlight:  make(map[string]bool),
		deadlines: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start marks the stream active and spawns its loop unless one is
// already in flight.
func (w *Workflow) Start(key string) {
	s, ok := w.caches.Stream(key)
	if !ok {
		w.logger.Printf("⚠️ startWorkflow: unknown stream %s", key)
		return
	}
	cfg := w.pipeline.StreamConfig(s)

	w.mu.Lock()
	w.active[key] = true
	if cfg.WorkflowTimeout > 0 {
		w.deadlines[key] = time.Now().Add(cfg.WorkflowTimeout)
	} else {
		delete(w.deadlines, key)
	}
	if w.inFlight[key] {
		w.mu.Unlock()
		return
	}
	w.inFlight[key] = true
	w.mu.Unlock()

	w.logger.Printf("🚀 Workflow started for stream %s", key)
	if w.m != nil {
		w.m.ActiveWorkflows.Inc()
	}
	w.wg.Add(1)
	go w.loop(key)
}

// Stop requests an external stop: the current iteration finishes and
// the loop exits without re-arming.
func (w *Workflow) Stop(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[key] {
		w.active[key] = false
		return
	}
	delete(w.active, key)
	delete(w.deadlines, key)
}

// IsActive reports whether the stream is marked for processing.
func (w *Workflow) IsActive(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[key]
}

// Shutdown cancels every loop and waits for the iterations to finish.
func (w *Workflow) Shutdown() {
	w.cancel()
	w.wg.Wait()
}

func (w *Workflow) loop(key string) {
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, key)
		delete(w.active, key)
		delete(w.deadlines, key)
		w.mu.Unlock()
		if w.m != nil {
			w.m.ActiveWorkflows.Dec()
		}
		w.wg.Done()
	}()

	for {
		if w.ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		if !w.active[key] {
			w.mu.Unlock()
			w.logger.Printf("✅ Workflow stopped for stream %s", key)
			return
		}
		deadline, hasDeadline := w.deadlines[key]
		w.mu.Unlock()

		if hasDeadline && time.Now().After(deadline) {
			w.logger.Printf("⚠️ Stopping by timeout: stream %s", key)
			return
		}

		s, ok := w.caches.Stream(key)
		if !ok {
			w.logger.Printf("⚠️ Stream %s vanished from cache, stopping", key)
			return
		}
		cfg := w.pipeline.StreamConfig(s)

		err := w.pipeline.Recognize(w.ctx, s)
		if err != nil {
			w.logger.Printf("❌ Pipeline error on stream %s: %v", key, err)
			if cfg.DelayAfterError <= 0 {
				return
			}
			if !w.sleep(cfg.DelayAfterError) {
				return
			}
			continue
		}
		if !w.sleep(cfg.DelayBetweenFrames) {
			return
		}
	}
}

// sleep waits for the delay or the shutdown, whichever comes first.
func (w *Workflow) sleep(d time.Duration) bool {
	if d <= 0 {
		return w.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
