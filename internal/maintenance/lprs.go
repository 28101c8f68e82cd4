package maintenance

import (
	"log"
	"time"

	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/lprs"
	"github.com/vframe/recognition/internal/store"
)

// PlateSweeper owns the plate-service retention sweeps.
type PlateSweeper struct {
	Store      *store.Store
	Writer     *events.Writer // screenshot tree
	FailedRoot string
	Bans       *lprs.BanList

	// EventTTL bounds events_log rows.
	EventTTL time.Duration
	// ScreenshotTTL bounds event screenshots on disk.
	ScreenshotTTL time.Duration
	// FailedTTL bounds the saved failed-recognition frames.
	FailedTTL time.Duration
	// BanInterval paces the expired-ban sweep.
	BanInterval time.Duration

	logger *log.Logger
}

// NewPlateSweeper builds a sweeper with the default retention windows.
func NewPlateSweeper(st *store.Store, screenshots *events.Writer, failedRoot string, bans *lprs.BanList) *PlateSweeper {
	return &PlateSweeper{
		Store:         st,
		Writer:        screenshots,
		FailedRoot:    failedRoot,
		Bans:          bans,
		EventTTL:      30 * 24 * time.Hour,
		ScreenshotTTL: 4 * time.Hour,
		FailedTTL:     60 * 24 * time.Hour,
		BanInterval:   5 * time.Second,
		logger:        log.New(log.Writer(), "[LPRS-MAINT] ", log.LstdFlags),
	}
}

// Tasks returns the sweeps for the scheduler.
func (s *PlateSweeper) Tasks() []Task {
	return []Task{
		{Name: "event retention", Interval: time.Minute, Run: s.SweepEvents},
		{Name: "screenshot retention", Interval: time.Minute, Run: s.SweepScreenshots},
		{Name: "failed frame retention", Interval: time.Hour, Run: s.SweepFailed},
		{Name: "expired bans", Interval: s.BanInterval, Run: s.SweepBans},
	}
}

// SweepEvents removes expired event rows.
func (s *PlateSweeper) SweepEvents() {
	n, err := s.Store.DeleteOldEvents(time.Now().Add(-s.EventTTL))
	if err != nil {
		s.logger.Printf("❌ Event sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("✅ Swept %d event rows", n)
	}
}

// SweepScreenshots removes expired event screenshots.
func (s *PlateSweeper) SweepScreenshots() {
	if n := sweepTree(s.Writer.Root, imageExts, time.Now().Add(-s.ScreenshotTTL)); n > 0 {
		s.logger.Printf("✅ Swept %d screenshots", n)
	}
}

// SweepFailed removes old failed-recognition frames.
func (s *PlateSweeper) SweepFailed() {
	if s.FailedRoot == "" {
		return
	}
	if n := sweepTree(s.FailedRoot, imageExts, time.Now().Add(-s.FailedTTL)); n > 0 {
		s.logger.Printf("✅ Swept %d failed frames", n)
	}
}

// SweepBans drops fully expired plate bans.
func (s *PlateSweeper) SweepBans() {
	s.Bans.Sweep()
}
