package events

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/vframe/recognition/internal/metrics"
)

// Callbacks delivers event payloads to tenant callback URLs through a
// background worker pool. Delivery failures are warnings only and
// never reach the pipelines.
type Callbacks struct {
	queue   chan callbackJob
	logger  *log.Logger
	m       *metrics.Metrics
	wg      sync.WaitGroup
	timeout time.Duration
}

type callbackJob struct {
	url     string
	payload []byte
	timeout time.Duration
}

// NewCallbacks starts a callback dispatcher with the given worker
// count and per-delivery timeout.
func NewCallbacks(workers int, timeout time.Duration, m *metrics.Metrics) *Callbacks {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Callbacks{
		queue:   make(chan callbackJob, 1000),
		logger:  log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
		m:       m,
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Post queues one delivery with the given per-delivery timeout; a
// timeout of zero or less falls back to the dispatcher default. The
// body marshals to JSON immediately so the caller may reuse its value.
func (c *Callbacks) Post(url string, timeout time.Duration, body interface{}) {
	if url == "" {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		c.logger.Printf("❌ Failed to marshal callback payload: %v", err)
		return
	}
	select {
	case c.queue <- callbackJob{url: url, payload: payload, timeout: timeout}:
	default:
		c.logger.Printf("⚠️ Callback queue full, dropping delivery to %s", url)
	}
}

// PostSync delivers one payload on the calling goroutine and reports
// whether the endpoint accepted it.
func (c *Callbacks) PostSync(url string, body interface{}) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		c.logger.Printf("❌ Failed to marshal callback payload: %v", err)
		return false
	}
	return c.deliver(callbackJob{url: url, payload: payload})
}

func (c *Callbacks) worker() {
	defer c.wg.Done()
	for job := range c.queue {
		c.deliver(job)
	}
}

// deliver builds a fresh client per call so a stalled endpoint never
// poisons a shared connection pool.
func (c *Callbacks) deliver(job callbackJob) bool {
	timeout := job.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(job.url, "application/json", bytes.NewReader(job.payload))
	if err != nil {
		c.logger.Printf("⚠️ Callback delivery failed: %s → %v", job.url, err)
		c.record(false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		c.logger.Printf("⚠️ Callback returned %d: %s", resp.StatusCode, job.url)
		c.record(false)
		return false
	}
	c.record(true)
	return true
}

func (c *Callbacks) record(ok bool) {
	if c.m != nil {
		c.m.RecordCallback(ok)
	}
}

// Shutdown drains the queue and stops the workers.
func (c *Callbacks) Shutdown() {
	close(c.queue)
	c.wg.Wait()
}
