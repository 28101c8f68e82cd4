// Package caches holds the in-memory read models both services poll
// out of Postgres. One goroutine per cache family refreshes on a
// fixed interval; readers take snapshots under an RWMutex and never
// hold a lock across a blocking call.
package caches

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

// StreamInfo is the merged view of one face stream.
type StreamInfo struct {
	IDVStream   int32
	IDGroup     int32
	Ext         string
	URL         string
	CallbackURL string
	Config      json.RawMessage
}

// Key returns the scheduler key "<id_group>_<ext>".
func (s StreamInfo) Key() string {
	return StreamKey(s.IDGroup, s.Ext)
}

// Descriptor is one L2-normalized gallery vector.
type Descriptor struct {
	IDGroup  int32
	Vector   []float32
	IDParent int32 // 0 for first-class descriptors
}

// SpecialGroup mirrors one special watch group row.
type SpecialGroup struct {
	IDSGroup    int32
	IDGroup     int32
	Name        string
	Token       string
	CallbackURL string
	MaxFaces    int32
}

// FaceCaches is the full FRS read model.
type FaceCaches struct {
	st     *store.Store
	m      *metrics.Metrics
	logger *log.Logger

	mu            sync.RWMutex
	tokens        map[string]int32
	groupConfigs  map[int32]json.RawMessage
	streams       map[string]StreamInfo
	streamsByID   map[int32]string
	descriptors   map[int32]Descriptor
	streamLinks   map[int32]map[int32]struct{}
	sgroupLinks   map[int32]map[int32]struct{}
	sgByToken     map[string]SpecialGroup
	sgByID        map[int32]SpecialGroup
	sgByGroup     map[int32][]int32
	streamsSince  time.Time
	descSince     time.Time
	vsLinksSince  time.Time
	sgLinksSince  time.Time
	descriptorLen int
}

// NewFaceCaches builds an empty read model over the store.
func NewFaceCaches(st *store.Store, m *metrics.Metrics, descriptorLen int) *FaceCaches {
	if descriptorLen <= 0 {
		descriptorLen = 512
	}
	return &FaceCaches{
		st:            st,
		m:             m,
		logger:        log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		tokens:        make(map[string]int32),
		groupConfigs:  make(map[int32]json.RawMessage),
		streams:       make(map[string]StreamInfo),
		streamsByID:   make(map[int32]string),
		descriptors:   make(map[int32]Descriptor),
		streamLinks:   make(map[int32]map[int32]struct{}),
		sgroupLinks:   make(map[int32]map[int32]struct{}),
		sgByToken:     make(map[string]SpecialGroup),
		sgByID:        make(map[int32]SpecialGroup),
		sgByGroup:     make(map[int32][]int32),
		descriptorLen: descriptorLen,
	}
}

// Run refreshes all caches on the interval until the context ends.
// The first refresh happens before Run returns control to the ticker
// so the services never serve an empty gallery on startup.
func (c *FaceCaches) Run(ctx context.Context, interval time.Duration) {
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

// RefreshAll runs every cache refresh once, logging failures without
// aborting the remaining passes.
func (c *FaceCaches) RefreshAll() {
	type pass struct {
		name string
		fn   func() error
	}
	for _, p := range []pass{
		{"groups", c.refreshGroups},
		{"group_configs", c.refreshGroupConfigs},
		{"streams", c.refreshStreams},
		{"descriptors", c.refreshDescriptors},
		{"stream_links", c.refreshStreamLinks},
		{"sgroup_links", c.refreshSGroupLinks},
		{"special_groups", c.refreshSpecialGroups},
	} {
		if err := p.fn(); err != nil {
			c.logger.Printf("❌ Refresh %s failed: %v", p.name, err)
			if c.m != nil {
				c.m.RecordCacheFailure(p.name)
			}
		}
	}
}

func (c *FaceCaches) refreshGroups() error {
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

func (c *FaceCaches) refreshGroupConfigs() error {
	rows, err := c.st.GroupConfigs()
	if err != nil {
		return err
	}
	next := make(map[int32]json.RawMessage, len(rows))
	for _, r := range rows {
		next[r.IDGroup] = r.Config
	}
	c.mu.Lock()
	c.groupConfigs = next
	c.mu.Unlock()
	return nil
}

func (c *FaceCaches) refreshStreams() error {
	c.mu.RLock()
	since := c.streamsSince
	c.mu.RUnlock()

	rows, err := c.st.VStreamsSince(since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, r := range rows {
		key := StreamKey(r.IDGroup, r.VStreamExt)
		if r.FlagDeleted {
			delete(c.streams, key)
			delete(c.streamsByID, r.IDVStream)
		} else {
			c.streams[key] = StreamInfo{
				IDVStream:   r.IDVStream,
				IDGroup:     r.IDGroup,
				Ext:         r.VStreamExt,
				URL:         r.URL,
				CallbackURL: r.CallbackURL,
				Config:      r.Config,
			}
			c.streamsByID[r.IDVStream] = key
		}
		if r.LastUpdated.After(c.streamsSince) {
			c.streamsSince = r.LastUpdated
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *FaceCaches) refreshDescriptors() error {
	c.mu.RLock()
	since := c.descSince
	c.mu.RUnlock()

	rows, err := c.st.DescriptorsSince(since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, r := range rows {
		if r.FlagDeleted {
			delete(c.descriptors, r.IDDescriptor)
		} else {
			vec := imgproc.BytesToFloat32(r.Data)
			if len(vec) == c.descriptorLen {
				c.descriptors[r.IDDescriptor] = Descriptor{
					IDGroup:  r.IDGroup,
					Vector:   NormalizeDescriptor(vec),
					IDParent: r.IDParent.Int32,
				}
			} else {
				c.logger.Printf("⚠️ Descriptor %d has %d floats, want %d, skipped",
					r.IDDescriptor, len(vec), c.descriptorLen)
			}
		}
		if r.LastUpdated.After(c.descSince) {
			c.descSince = r.LastUpdated
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *FaceCaches) refreshStreamLinks() error {
	c.mu.RLock()
	since := c.vsLinksSince
	c.mu.RUnlock()

	rows, err := c.st.VStreamLinksSince(since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	applyLinks(c.streamLinks, rows)
	for _, r := range rows {
		if r.LastUpdated.After(c.vsLinksSince) {
			c.vsLinksSince = r.LastUpdated
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *FaceCaches) refreshSGroupLinks() error {
	c.mu.RLock()
	since := c.sgLinksSince
	c.mu.RUnlock()

	rows, err := c.st.SGroupLinksSince(since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	applyLinks(c.sgroupLinks, rows)
	for _, r := range rows {
		if r.LastUpdated.After(c.sgLinksSince) {
			c.sgLinksSince = r.LastUpdated
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *FaceCaches) refreshSpecialGroups() error {
	rows, err := c.st.SpecialGroups()
	if err != nil {
		return err
	}
	byToken := make(map[string]SpecialGroup, len(rows))
	byID := make(map[int32]SpecialGroup, len(rows))
	byGroup := make(map[int32][]int32)
	for _, r := range rows {
		sg := SpecialGroup{
			IDSGroup:    r.IDSpecialGroup,
			IDGroup:     r.IDGroup,
			Name:        r.GroupName,
			Token:       r.SGAPIToken,
			CallbackURL: r.CallbackURL,
			MaxFaces:    r.MaxDescriptorCount,
		}
		byToken[sg.Token] = sg
		byID[sg.IDSGroup] = sg
		byGroup[sg.IDGroup] = append(byGroup[sg.IDGroup], sg.IDSGroup)
	}
	c.mu.Lock()
	c.sgByToken = byToken
	c.sgByID = byID
	c.sgByGroup = byGroup
	c.mu.Unlock()
	return nil
}

func applyLinks(dst map[int32]map[int32]struct{}, rows []store.LinkRow) {
	for _, r := range rows {
		set := dst[r.IDOwner]
		if r.FlagDeleted {
			if set != nil {
				delete(set, r.IDDescriptor)
				if len(set) == 0 {
					delete(dst, r.IDOwner)
				}
			}
			continue
		}
		if set == nil {
			set = make(map[int32]struct{})
			dst[r.IDOwner] = set
		}
		set[r.IDDescriptor] = struct{}{}
	}
}

// GroupByToken resolves a bearer token to the tenant id.
func (c *FaceCaches) GroupByToken(token string) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tokens[token]
	return id, ok
}

// GroupConfig returns the tenant's merged config JSON.
func (c *FaceCaches) GroupConfig(idGroup int32) json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupConfigs[idGroup]
}

// Stream looks up a stream by its scheduler key.
func (c *FaceCaches) Stream(key string) (StreamInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[key]
	return s, ok
}

// StreamByID looks up a stream by its internal id.
func (c *FaceCaches) StreamByID(idVStream int32) (StreamInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.streamsByID[idVStream]
	if !ok {
		return StreamInfo{}, false
	}
	s, ok := c.streams[key]
	return s, ok
}

// GalleryEntry pairs a descriptor id with its normalized vector.
type GalleryEntry struct {
	IDDescriptor int32
	Vector       []float32
	IDParent     int32
}

// StreamGallery snapshots the descriptors bound to a stream. Entries
// whose descriptor has not landed in the cache yet are skipped.
func (c *FaceCaches) StreamGallery(idVStream int32) []GalleryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gallery(c.streamLinks[idVStream])
}

// SGroupGallery snapshots the descriptors bound to a special group.
func (c *FaceCaches) SGroupGallery(idSGroup int32) []GalleryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gallery(c.sgroupLinks[idSGroup])
}

func (c *FaceCaches) gallery(set map[int32]struct{}) []GalleryEntry {
	if len(set) == 0 {
		return nil
	}
	out := make([]GalleryEntry, 0, len(set))
	for id := range set {
		d, ok := c.descriptors[id]
		if !ok {
			continue
		}
		out = append(out, GalleryEntry{IDDescriptor: id, Vector: d.Vector, IDParent: d.IDParent})
	}
	return out
}

// DescriptorParent returns the parent id of a spawned descriptor, or
// the id itself for first-class descriptors.
func (c *FaceCaches) DescriptorParent(id int32) int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.descriptors[id]; ok && d.IDParent > 0 {
		return d.IDParent
	}
	return id
}

// SpecialGroupByToken resolves an sg api token.
func (c *FaceCaches) SpecialGroupByToken(token string) (SpecialGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sg, ok := c.sgByToken[token]
	return sg, ok
}

// SpecialGroupByID looks up a special group by id.
func (c *FaceCaches) SpecialGroupByID(id int32) (SpecialGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sg, ok := c.sgByID[id]
	return sg, ok
}

// TenantSpecialGroups lists the tenant's special group ids.
func (c *FaceCaches) TenantSpecialGroups(idGroup int32) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int32, len(c.sgByGroup[idGroup]))
	copy(out, c.sgByGroup[idGroup])
	return out
}

// StreamKey builds the scheduler key "<id_group>_<ext>".
func StreamKey(idGroup int32, ext string) string {
	return fmtKey(idGroup, ext)
}

// NormalizeDescriptor L2-normalizes in place and returns the slice.
// A non-positive norm divides by 1 so the zero vector stays zero.
func NormalizeDescriptor(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm <= 0 {
		norm = 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
