// Package events persists recognition artifacts (screenshots, event
// JSON, descriptor .dat records) and delivers callback payloads to
// tenant endpoints.
package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vframe/recognition/internal/imgproc"
)

// DatHeaderSize is the fixed prefix of one .dat record: a 32-byte
// ASCII event id followed by an int32 LE face index.
const DatHeaderSize = 32 + 4

// Writer persists artifacts under a root tree and knows the public
// URL prefix the screenshots are served from.
type Writer struct {
	Root      string
	URLPrefix string
	logger    *log.Logger
}

// NewWriter builds a writer rooted at dir.
func NewWriter(root, urlPrefix string) *Writer {
	return &Writer{
		Root:      root,
		URLPrefix: urlPrefix,
		logger:    log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// FaceRelPath is the FRS screenshot layout:
// group_<gid>/<u0>/<u1>/<u2>/<u3>/<uuid>.jpg.
func FaceRelPath(idGroup int32, uuid, extension string) string {
	return filepath.Join(fmt.Sprintf("group_%d", idGroup), fanOut(uuid), uuid+extension)
}

// PlateRelPath is the LPRS screenshot layout:
// <u0>/<u1>/<u2>/<u3>/<uuid>.jpg.
func PlateRelPath(uuid, extension string) string {
	return filepath.Join(fanOut(uuid), uuid+extension)
}

// DayLayout names the daily descriptor files in the long-term event
// tree.
const DayLayout = "2006-01-02"

// EventDatRelPath is the long-term tree layout for copied descriptor
// records: group_<gid>/<YYYY-MM-DD>.dat, one file per day.
func EventDatRelPath(idGroup int32, day time.Time) string {
	return filepath.Join(fmt.Sprintf("group_%d", idGroup), day.Format(DayLayout)+".dat")
}

// EventJSONRelPath is the long-term tree layout for copied event
// metadata.
func EventJSONRelPath(idGroup int32, uuid string) string {
	return filepath.Join(fmt.Sprintf("group_%d", idGroup), uuid+".json")
}

// CopiedEvent is the metadata persisted next to copied descriptor
// records.
type CopiedEvent struct {
	EventDate time.Time `json:"eventDate"`
	EventUUID string    `json:"eventUuid"`
}

// fanOut spreads files across four single-character directories taken
// from the first hex characters of the uuid.
func fanOut(uuid string) string {
	if len(uuid) < 4 {
		return uuid
	}
	return filepath.Join(uuid[0:1], uuid[1:2], uuid[2:3], uuid[3:4])
}

// URL maps a relative artifact path to its public URL.
func (w *Writer) URL(relPath string) string {
	return w.URLPrefix + strings.ReplaceAll(relPath, string(filepath.Separator), "/")
}

// Abs maps a relative artifact path to its on-disk location.
func (w *Writer) Abs(relPath string) string {
	return filepath.Join(w.Root, relPath)
}

// SaveFile writes raw bytes, creating parent directories and leaving
// the file world read-writable the way the screenshot server expects.
func (w *Writer) SaveFile(relPath string, data []byte) error {
	abs := w.Abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return fmt.Errorf("save %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, data, 0o666); err != nil {
		return fmt.Errorf("save %s: %w", relPath, err)
	}
	if err := os.Chmod(abs, 0o666); err != nil {
		return fmt.Errorf("save %s: %w", relPath, err)
	}
	return nil
}

// SaveJSON marshals and writes an event record.
func (w *Writer) SaveJSON(relPath string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("save %s: %w", relPath, err)
	}
	return w.SaveFile(relPath, data)
}

// AppendFile appends bytes to an artifact, creating it when missing.
// The copy-events sweep uses this for the per-group daily aggregates.
func (w *Writer) AppendFile(relPath string, data []byte) error {
	abs := w.Abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return fmt.Errorf("append %s: %w", relPath, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("append %s: %w", relPath, err)
	}
	defer f.Close()
	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", relPath, err)
	}
	return nil
}

// EncodeDatRecord packs one descriptor record: 32-byte ASCII event id,
// int32 LE face index, then the descriptor floats LE. Ids shorter than
// 32 bytes are zero padded on the right.
func EncodeDatRecord(eventID string, index int32, descriptor []float32) []byte {
	buf := make([]byte, DatHeaderSize, DatHeaderSize+4*len(descriptor))
	copy(buf[:32], eventID)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(index))
	return append(buf, imgproc.Float32ToBytes(descriptor)...)
}

// DatRecord is one decoded descriptor record.
type DatRecord struct {
	EventID    string
	Index      int32
	Descriptor []float32
}

// DecodeDatRecords chunks a .dat payload by fixed record size. A
// trailing partial record is ignored.
func DecodeDatRecords(data []byte, descriptorLen int) []DatRecord {
	recordSize := DatHeaderSize + 4*descriptorLen
	if recordSize <= DatHeaderSize {
		return nil
	}
	out := make([]DatRecord, 0, len(data)/recordSize)
	for off := 0; off+recordSize <= len(data); off += recordSize {
		rec := data[off : off+recordSize]
		out = append(out, DatRecord{
			EventID:    strings.TrimRight(string(rec[:32]), "\x00"),
			Index:      int32(binary.LittleEndian.Uint32(rec[32:36])),
			Descriptor: imgproc.BytesToFloat32(rec[DatHeaderSize:]),
		})
	}
	return out
}
