package caches

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

// PlateStream is the merged view of one plate stream.
type PlateStream struct {
	IDVStream int32
	IDGroup   int32
	ExtID     string
	Config    json.RawMessage
}

// Key returns the scheduler key "<id_group>_<ext_id>".
func (s PlateStream) Key() string {
	return fmtKey(s.IDGroup, s.ExtID)
}

// PlateCaches is the LPRS read model: tenant tokens, merged stream
// configs and the stream to tenant ownership map. All three refresh
// in full every pass.
type PlateCaches struct {
	st     *store.Store
	m      *metrics.Metrics
	logger *log.Logger

	mu           sync.RWMutex
	tokens       map[string]int32
	streams      map[string]PlateStream
	streamGroups map[int32]int32
}

// NewPlateCaches builds an empty read model over the store.
func NewPlateCaches(st *store.Store, m *metrics.Metrics) *PlateCaches {
	return &PlateCaches{
		st:           st,
		m:            m,
		logger:       log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		tokens:       make(map[string]int32),
		streams:      make(map[string]PlateStream),
		streamGroups: make(map[int32]int32),
	}
}

// Run refreshes the caches on the interval until the context ends.
func (c *PlateCaches) Run(ctx context.Context, interval time.Duration) {
	c.RefreshAll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Println("⚠️ Cache polling stopped")
			return
		case <-ticker.C:
			c.RefreshAll()
		}
	}
}

// RefreshAll runs both refresh passes once.
func (c *PlateCaches) RefreshAll() {
	if err := c.refreshGroups(); err != nil {
		c.logger.Printf("❌ Refresh groups failed: %v", err)
		if c.m != nil {
			c.m.RecordCacheFailure("groups")
		}
	}
	if err := c.refreshStreams(); err != nil {
		c.logger.Printf("❌ Refresh streams failed: %v", err)
		if c.m != nil {
			c.m.RecordCacheFailure("streams")
		}
	}
}

func (c *PlateCaches) refreshGroups() error {
	rows, err := c.st.GroupTokens()
	if err != nil {
		return err
	}
	next := make(map[string]int32, len(rows))
	for _, r := range rows {
		next[r.AuthToken] = r.IDGroup
	}
	c.mu.Lock()
	c.tokens = next
	c.mu.Unlock()
	return nil
}

func (c *PlateCaches) refreshStreams() error {
	rows, err := c.st.PlateStreams()
	if err != nil {
		return err
	}
	streams := make(map[string]PlateStream, len(rows))
	groups := make(map[int32]int32, len(rows))
	for _, r := range rows {
		s := PlateStream{
			IDVStream: r.IDVStream,
			IDGroup:   r.IDGroup,
			ExtID:     r.ExtID,
			Config:    r.Config,
		}
		streams[s.Key()] = s
		groups[s.IDVStream] = s.IDGroup
	}
	c.mu.Lock()
	c.streams = streams
	c.streamGroups = groups
	c.mu.Unlock()
	return nil
}

// GroupByToken resolves a bearer token to the tenant id.
func (c *PlateCaches) GroupByToken(token string) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tokens[token]
	return id, ok
}

// Stream looks up a plate stream by its scheduler key.
func (c *PlateCaches) Stream(key string) (PlateStream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[key]
	return s, ok
}

// StreamGroup returns the owning tenant of a stream id.
func (c *PlateCaches) StreamGroup(idVStream int32) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.streamGroups[idVStream]
	return id, ok
}

func fmtKey(idGroup int32, ext string) string {
	return strconv.FormatInt(int64(idGroup), 10) + "_" + ext
}
