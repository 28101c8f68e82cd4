package inference

import (
	"errors"
	"sync"
	"time"
)

// ErrServerOpen is returned without touching the network while a model
// server's breaker is open.
var ErrServerOpen = errors.New("model server temporarily unavailable")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker tracks one model server's health. After tripThreshold
// consecutive failures the server is skipped for openTimeout, then one
// probe request decides whether it is back.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	timeout   time.Duration
	now       func() time.Time
}

const (
	tripThreshold = 5
	openTimeout   = 15 * time.Second
)

func newBreaker() *breaker {
	return &breaker{
		threshold: tripThreshold,
		timeout:   openTimeout,
		now:       time.Now,
	}
}

// allow reports whether a request may go out. In open state one probe
// is admitted after the timeout.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if ok {
		b.state = stateClosed
		b.failures = 0
		return
	}
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

func (c *Client) breakerFor(server string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[server]; ok {
		return b
	}
	b := newBreaker()
	c.breakers[server] = b
	return b
}
