package api

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/frs"
)

// defaultSearchSimilarity is the match threshold when the request does
// not carry one.
const defaultSearchSimilarity = 0.5

// searchHit is one sgSearchFaces result before sorting.
type searchHit struct {
	date time.Time
	item map[string]interface{}
}

// sgSearchFaces scans the long-term event tree and the recent
// screenshot tree for descriptor records matching the group's faces.
func (s *FRSServer) sgSearchFaces(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	if err := p.RequireArray("faces"); err != nil {
		return nil, err
	}
	faceIDs, err := p.Int32Slice("faces")
	if err != nil {
		return nil, err
	}
	if err := p.Require("dateStart"); err != nil {
		return nil, err
	}
	if err := p.Require("dateEnd"); err != nil {
		return nil, err
	}
	start, ok := parseDate(p.String("dateStart"))
	if !ok {
		return nil, clientError("Required member `dateStart` is invalid.")
	}
	dateEnd, ok := parseDate(p.String("dateEnd"))
	if !ok {
		return nil, clientError("Required member `dateEnd` is invalid.")
	}
	// The end day is searched in full.
	end := dateEnd.Add(24 * time.Hour)

	useLogs := p.Bool("useLogs", true)
	useEvents := p.Bool("useEvents", true)
	if !useLogs && !useEvents {
		return nil, clientError("At least one of the members `useLogs` or `useEvents` must be true.")
	}
	threshold := p.Float("similarityThreshold", defaultSearchSimilarity)

	queries := s.searchGallery(sg, faceIDs)
	if len(queries) == 0 {
		return nil, nil
	}

	var hits []searchHit
	seen := make(map[string]struct{})

	if useEvents {
		hits = append(hits, s.searchEventTree(sg.IDGroup, queries, threshold, start, end, seen)...)
	}
	if useLogs {
		hits = append(hits, s.searchScreenshotTree(sg.IDGroup, queries, threshold, start, end, seen)...)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].date.After(hits[j].date) })

	if len(hits) == 0 {
		return nil, nil
	}
	items := make([]map[string]interface{}, len(hits))
	for i, h := range hits {
		items[i] = h.item
	}
	return items, nil
}

// searchGallery restricts the group's gallery to the requested ids.
func (s *FRSServer) searchGallery(sg caches.SpecialGroup, ids []int32) []caches.GalleryEntry {
	gallery := s.Caches.SGroupGallery(sg.IDSGroup)
	want := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := gallery[:0:0]
	for _, e := range gallery {
		if _, ok := want[e.IDDescriptor]; ok {
			out = append(out, e)
		}
	}
	return out
}

// searchEventTree scans the daily .dat files copied out of the log by
// the maintenance sweep. Matched event ids are recorded in seen so the
// screenshot scan does not report them twice.
func (s *FRSServer) searchEventTree(idGroup int32, queries []caches.GalleryEntry, threshold float64, start, end time.Time, seen map[string]struct{}) []searchHit {
	dir := filepath.Join(s.EventsRoot, "group_"+itoa(idGroup))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	startDay := start.Truncate(24 * time.Hour)

	var hits []searchHit
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".dat") {
			continue
		}
		day, err := time.ParseInLocation(events.DayLayout, strings.TrimSuffix(name, ".dat"), time.Local)
		if err != nil || day.Before(startDay) || !day.Before(end) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		for _, rec := range events.DecodeDatRecords(raw, s.DescriptorLen) {
			if _, dup := seen[rec.EventID]; dup {
				continue
			}
			m, ok := frs.BestMatch(rec.Descriptor, queries)
			if !ok || m.Cosine <= threshold {
				continue
			}
			meta, ok := s.readCopiedEvent(idGroup, rec.EventID)
			if !ok || meta.EventDate.Before(start) || !meta.EventDate.Before(end) {
				continue
			}
			seen[rec.EventID] = struct{}{}
			hits = append(hits, searchHit{
				date: meta.EventDate,
				item: map[string]interface{}{
					"date":       meta.EventDate.Format(dateFormat),
					"uuid":       rec.EventID,
					"eventId":    meta.EventUUID,
					"url":        s.Writer.URL(events.FaceRelPath(idGroup, rec.EventID, ".jpg")),
					"faceId":     m.IDDescriptor,
					"similarity": m.Cosine,
				},
			})
		}
	}
	return hits
}

// searchScreenshotTree scans the recent per-event .dat files that the
// retention sweep has not yet removed, selecting by file mtime.
func (s *FRSServer) searchScreenshotTree(idGroup int32, queries []caches.GalleryEntry, threshold float64, start, end time.Time, seen map[string]struct{}) []searchHit {
	root := s.ScreenshotsRoot
	if root == "" {
		root = s.Writer.Root
	}
	dir := filepath.Join(root, "group_"+itoa(idGroup))

	var hits []searchHit
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".dat") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime()
		if mtime.Before(start) || !mtime.Before(end) {
			return nil
		}
		uuid := strings.TrimSuffix(d.Name(), ".dat")
		if _, dup := seen[uuid]; dup {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		best := frs.Match{}
		found := false
		for _, rec := range events.DecodeDatRecords(raw, s.DescriptorLen) {
			if m, ok := frs.BestMatch(rec.Descriptor, queries); ok && m.Cosine > threshold && m.Cosine > best.Cosine {
				best = m
				found = true
			}
		}
		if !found {
			return nil
		}
		date := mtime
		if rec, ok := readEventDate(strings.TrimSuffix(path, ".dat") + ".json"); ok {
			date = rec
		}
		if date.Before(start) || !date.Before(end) {
			return nil
		}
		seen[uuid] = struct{}{}
		hits = append(hits, searchHit{
			date: date,
			item: map[string]interface{}{
				"date":       date.Format(dateFormat),
				"uuid":       uuid,
				"url":        s.Writer.URL(events.FaceRelPath(idGroup, uuid, ".jpg")),
				"faceId":     best.IDDescriptor,
				"similarity": best.Cosine,
			},
		})
		return nil
	})
	return hits
}

func (s *FRSServer) readCopiedEvent(idGroup int32, uuid string) (events.CopiedEvent, bool) {
	var meta events.CopiedEvent
	raw, err := os.ReadFile(filepath.Join(s.EventsRoot, events.EventJSONRelPath(idGroup, uuid)))
	if err != nil {
		return meta, false
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// readEventDate pulls the event timestamp out of a per-event metadata
// file.
func readEventDate(path string) (time.Time, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	var meta struct {
		EventDate time.Time `json:"eventDate"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.EventDate.IsZero() {
		return time.Time{}, false
	}
	return meta.EventDate, true
}

func itoa(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}
