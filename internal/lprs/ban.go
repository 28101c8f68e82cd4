package lprs

import (
	"sync"
	"time"

	"github.com/vframe/recognition/internal/imgproc"
)

type banEntry struct {
	tp1  time.Time
	tp2  time.Time
	bbox imgproc.RectF
}

// BanList suppresses repeated events for the same plate number on the
// same stream. A sighting is banned outright while its first deadline
// is in the future, and after that while the vehicle has not moved away
// from the recorded position. Special-vehicle sightings are banned per
// stream by a plain deadline.
type BanList struct {
	mu      sync.Mutex
	numbers map[string]banEntry
	special map[string]time.Time
	now     func() time.Time
}

func NewBanList() *BanList {
	return &BanList{
		numbers: make(map[string]banEntry),
		special: make(map[string]time.Time),
		now:     time.Now,
	}
}

func banKey(streamKey, number string) string {
	return streamKey + "_" + number
}

// CheckNumber records a sighting of a plate number and reports whether
// it is banned. The record is rewritten on every sighting; a sighting
// banned by position keeps the previously recorded box and first
// deadline.
func (b *BanList) CheckNumber(streamKey, number string, bbox imgproc.RectF, cfg PlateConfig) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := banKey(streamKey, number)
	now := b.now()
	entry := banEntry{
		tp1:  now.Add(cfg.BanDuration),
		tp2:  now.Add(cfg.BanDurationArea),
		bbox: bbox,
	}
	old, seen := b.numbers[key]
	if !seen {
		b.numbers[key] = entry
		return false
	}
	if old.tp1.After(now) {
		b.numbers[key] = entry
		return true
	}
	if float64(imgproc.IoU(bbox, old.bbox)) > cfg.BanIoUThreshold {
		entry.tp1 = old.tp1
		entry.bbox = old.bbox
		b.numbers[key] = entry
		return true
	}
	b.numbers[key] = entry
	return false
}

// SpecialBanned reports whether special-vehicle events are currently
// suppressed for the stream, dropping the entry once expired.
func (b *BanList) SpecialBanned(streamKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.special[streamKey]
	if !ok {
		return false
	}
	if deadline.After(b.now()) {
		return true
	}
	delete(b.special, streamKey)
	return false
}

// BanSpecial suppresses further special-vehicle events on the stream
// for the ban duration.
func (b *BanList) BanSpecial(streamKey string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.special[streamKey] = b.now().Add(d)
}

// Sweep drops number records whose long deadline has passed.
func (b *BanList) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for key, entry := range b.numbers {
		if entry.tp2.Before(now) {
			delete(b.numbers, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live number records.
func (b *BanList) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.numbers)
}
