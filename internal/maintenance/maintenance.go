// Package maintenance runs the periodic sweeps that keep the database
// and the artifact trees within their retention windows.
package maintenance

import (
	"context"
	"log"
	"sync"
	"time"
)

// Task is one periodic sweep.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler drives tasks on their intervals until the context ends.
// Each task runs on its own goroutine; a run that outlasts its
// interval simply drops the missed ticks.
type Scheduler struct {
	logger *log.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler builds an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		logger: log.New(log.Writer(), "[MAINT] ", log.LstdFlags),
	}
}

// Start launches every task. Tasks with a non-positive interval are
// skipped.
func (s *Scheduler) Start(parent context.Context, tasks ...Task) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, task := range tasks {
		if task.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, task)
		s.logger.Printf("🚀 Scheduled %s every %s", task.Name, task.Interval)
	}
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task.Run()
		}
	}
}

// Shutdown stops the tickers and waits for in-flight runs.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Printf("✅ Maintenance stopped")
}
