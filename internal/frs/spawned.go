package frs

import (
	"sync"
	"time"

	"github.com/vframe/recognition/internal/imgproc"
)

// spawnedEntry is one unknown face waiting for a later recognition to
// claim it.
type spawnedEntry struct {
	expiry     time.Time
	descriptor []float32
	image      []byte // JPEG of the enlarged face crop
}

// SpawnedRing holds per-stream unknown descriptors, bounded only by
// TTL. Expired entries fall off on every access.
type SpawnedRing struct {
	mu      sync.Mutex
	entries map[string][]spawnedEntry
	now     func() time.Time
}

// NewSpawnedRing builds an empty ring.
func NewSpawnedRing() *SpawnedRing {
	return &SpawnedRing{
		entries: make(map[string][]spawnedEntry),
		now:     time.Now,
	}
}

// Add captures one unknown face for the stream.
func (r *SpawnedRing) Add(key string, ttl time.Duration, descriptor []float32, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.prune(key)
	r.entries[key] = append(list, spawnedEntry{
		expiry:     r.now().Add(ttl),
		descriptor: descriptor,
		image:      image,
	})
}

// Claim finds the entry closest to the descriptor. When the best
// cosine exceeds tolerance the entry's descriptor and image are
// returned. The ring is cleared for the stream either way.
func (r *SpawnedRing) Claim(key string, descriptor []float32, tolerance float64) ([]float32, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.prune(key)
	delete(r.entries, key)

	bestCos := -1.0
	bestIdx := -1
	for i, e := range list {
		if cos := Cosine(descriptor, e.descriptor); cos > bestCos {
			bestCos = cos
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestCos <= tolerance {
		return nil, nil, false
	}
	return list[bestIdx].descriptor, list[bestIdx].image, true
}

// Len reports the live entry count for a stream.
func (r *SpawnedRing) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.prune(key)
	if len(list) == 0 {
		delete(r.entries, key)
		return 0
	}
	r.entries[key] = list
	return len(list)
}

// prune drops expired entries; callers hold the lock.
func (r *SpawnedRing) prune(key string) []spawnedEntry {
	now := r.now()
	list := r.entries[key]
	kept := list[:0]
	for _, e := range list {
		if e.expiry.After(now) {
			kept = append(kept, e)
		}
	}
	return kept
}

// EnlargeFaceRect grows the rect into a centered square scaled by the
// enlarge factor and clipped to the frame.
func EnlargeFaceRect(face imgproc.RectF, frameW, frameH int, scale float64) imgproc.RectF {
	cx := (face.X0 + face.X1) / 2
	cy := (face.Y0 + face.Y1) / 2
	side := face.Width()
	if face.Height() > side {
		side = face.Height()
	}
	half := side * float32(scale) / 2
	return clampRect(imgproc.RectF{
		X0: cx - half,
		Y0: cy - half,
		X1: cx + half,
		Y1: cy + half,
	}, imgproc.RectF{X1: float32(frameW), Y1: float32(frameH)})
}
