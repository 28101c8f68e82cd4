package maintenance

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/store"
)

// artifactExts lists everything the screenshot sweeps may remove.
// Anything else in the tree was not written by the services and is
// left alone.
var artifactExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".ppm":  {},
	".tiff": {},
	".dat":  {},
	".json": {},
}

// imageExts restricts a sweep to screenshot images.
var imageExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".ppm":  {},
	".tiff": {},
}

// FaceSweeper owns the face-service retention sweeps.
type FaceSweeper struct {
	Store  *store.Store
	Writer *events.Writer // screenshot tree
	Events *events.Writer // long-term event tree

	// LogTTL bounds log rows and their screenshot artifacts.
	LogTTL time.Duration
	// EventTTL bounds the long-term event tree.
	EventTTL time.Duration
	// PurgeAge is how long soft-deleted rows stay visible so the
	// caches can observe the deletion before the rows disappear.
	PurgeAge time.Duration

	logger *log.Logger
}

// NewFaceSweeper builds a sweeper with the default retention windows.
func NewFaceSweeper(st *store.Store, screenshots, eventTree *events.Writer) *FaceSweeper {
	return &FaceSweeper{
		Store:    st,
		Writer:   screenshots,
		Events:   eventTree,
		LogTTL:   4 * time.Hour,
		EventTTL: 30 * 24 * time.Hour,
		PurgeAge: time.Hour,
		logger:   log.New(log.Writer(), "[FRS-MAINT] ", log.LstdFlags),
	}
}

// Tasks returns the sweeps for the scheduler.
func (s *FaceSweeper) Tasks() []Task {
	return []Task{
		{Name: "purge deleted rows", Interval: 10 * time.Minute, Run: s.PurgeDeleted},
		{Name: "log retention", Interval: time.Minute, Run: s.SweepLogs},
		{Name: "event copies", Interval: 10 * time.Second, Run: s.CopyEvents},
		{Name: "event retention", Interval: time.Hour, Run: s.SweepEvents},
	}
}

// PurgeDeleted removes soft-deleted descriptors, links and streams
// past the grace period.
func (s *FaceSweeper) PurgeDeleted() {
	if err := s.Store.PurgeDeleted(time.Now().Add(-s.PurgeAge)); err != nil {
		s.logger.Printf("❌ Purge failed: %v", err)
	}
}

// SweepLogs removes expired log rows and their screenshot artifacts.
// Rows scheduled for event copy survive until the copy lands.
func (s *FaceSweeper) SweepLogs() {
	cutoff := time.Now().Add(-s.LogTTL)
	n, err := s.Store.DeleteOldLogFaces(cutoff)
	if err != nil {
		s.logger.Printf("❌ Log sweep failed: %v", err)
		return
	}
	removed := sweepTree(s.Writer.Root, artifactExts, cutoff)
	if n > 0 || removed > 0 {
		s.logger.Printf("✅ Swept %d log rows, %d artifacts", n, removed)
	}
}

// CopyEvents materializes scheduled log rows into the long-term event
// tree: the per-event descriptor records are appended to the daily
// file and the metadata is written alongside. A row is finalized only
// once its event files exist; a row whose source screenshot artifact
// is already gone is finalized too, since it can never be copied. Any
// other failure leaves the row scheduled for the next pass.
func (s *FaceSweeper) CopyEvents() {
	rows, err := s.Store.ScheduledCopyEvents()
	if err != nil {
		s.logger.Printf("❌ Failed to load scheduled copies: %v", err)
		return
	}
	for _, row := range rows {
		if err := s.copyEvent(row); err != nil {
			if !errors.Is(err, errCopySourceGone) {
				s.logger.Printf("⚠️ Event copy for log %d: %v", row.IDLog, err)
				continue
			}
			s.logger.Printf("⚠️ Event copy for log %d: source artifact missing", row.IDLog)
		}
		if err := s.Store.MarkCopyDone(row.IDLog); err != nil {
			s.logger.Printf("❌ Failed to finalize copy for log %d: %v", row.IDLog, err)
		}
	}
}

// errCopySourceGone marks a scheduled copy whose screenshot artifact
// no longer exists. Such rows are finalized instead of retried.
var errCopySourceGone = errors.New("copy source artifact missing")

func (s *FaceSweeper) copyEvent(row store.CopyEventRow) error {
	dat, err := os.ReadFile(s.Writer.Abs(events.FaceRelPath(row.IDGroup, row.LogUUID, ".dat")))
	if err != nil {
		if os.IsNotExist(err) {
			return errCopySourceGone
		}
		return err
	}
	if err := s.Events.AppendFile(events.EventDatRelPath(row.IDGroup, row.LogDate), dat); err != nil {
		return err
	}
	return s.Events.SaveJSON(events.EventJSONRelPath(row.IDGroup, row.LogUUID), events.CopiedEvent{
		EventDate: row.LogDate,
		EventUUID: row.ExtEventUUID,
	})
}

// SweepEvents removes long-term event files past the retention window.
// Daily descriptor files go by the date in their name, metadata files
// by mtime.
func (s *FaceSweeper) SweepEvents() {
	cutoff := time.Now().Add(-s.EventTTL)
	cutoffDay := cutoff.Truncate(24 * time.Hour)
	removed := 0

	filepath.WalkDir(s.Events.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, ".dat"):
			day, perr := time.ParseInLocation(events.DayLayout, strings.TrimSuffix(name, ".dat"), time.Local)
			if perr != nil || !day.Before(cutoffDay) {
				return nil
			}
		case strings.HasSuffix(name, ".json"):
			info, ierr := d.Info()
			if ierr != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
		default:
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	if removed > 0 {
		s.logger.Printf("✅ Swept %d event files", removed)
	}
}

// sweepTree removes files with a listed extension whose mtime is past
// the cutoff and reports how many went away.
func sweepTree(root string, exts map[string]struct{}, cutoff time.Time) int {
	removed := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed
}
