package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// GroupToken maps a tenant auth token to its id.
type GroupToken struct {
	AuthToken string `db:"auth_token"`
	IDGroup   int32  `db:"id_group"`
}

// GroupConfig is a tenant's merged common + default stream config JSON.
type GroupConfig struct {
	IDGroup int32           `db:"id_group"`
	Config  json.RawMessage `db:"config"`
}

// VStreamRow is a video stream joined with its tenant defaults.
type VStreamRow struct {
	IDVStream   int32           `db:"id_vstream"`
	IDGroup     int32           `db:"id_group"`
	VStreamExt  string          `db:"vstream_ext"`
	URL         string          `db:"url"`
	CallbackURL string          `db:"callback_url"`
	Config      json.RawMessage `db:"config"`
	FlagDeleted bool            `db:"flag_deleted"`
	LastUpdated time.Time       `db:"last_updated"`
}

// DescriptorRow carries the raw descriptor bytes for the cache to
// reinterpret and normalize.
type DescriptorRow struct {
	IDDescriptor int32         `db:"id_descriptor"`
	IDGroup      int32         `db:"id_group"`
	Data         []byte        `db:"descriptor_data"`
	IDParent     sql.NullInt32 `db:"id_parent"`
	FlagDeleted  bool          `db:"flag_deleted"`
	LastUpdated  time.Time     `db:"last_updated"`
}

// LinkRow is one endpoint binding (stream or special group).
type LinkRow struct {
	IDDescriptor int32     `db:"id_descriptor"`
	IDOwner      int32     `db:"id_owner"`
	FlagDeleted  bool      `db:"flag_deleted"`
	LastUpdated  time.Time `db:"last_updated"`
}

// SpecialGroupRow is a special watch group with its own API token.
type SpecialGroupRow struct {
	IDSpecialGroup     int32  `db:"id_special_group"`
	IDGroup            int32  `db:"id_group"`
	GroupName          string `db:"group_name"`
	SGAPIToken         string `db:"sg_api_token"`
	CallbackURL        string `db:"callback_url"`
	MaxDescriptorCount int32  `db:"max_descriptor_count"`
}

// LogFaceRow is one recognition log entry.
type LogFaceRow struct {
	IDLog         int64          `db:"id_log"`
	IDVStream     int32          `db:"id_vstream"`
	LogDate       time.Time      `db:"log_date"`
	IDDescriptor  sql.NullInt32  `db:"id_descriptor"`
	Quality       float64        `db:"quality"`
	FaceLeft      int32          `db:"face_left"`
	FaceTop       int32          `db:"face_top"`
	FaceWidth     int32          `db:"face_width"`
	FaceHeight    int32          `db:"face_height"`
	ScreenshotURL string         `db:"screenshot_url"`
	LogUUID       string         `db:"log_uuid"`
	CopyData      int16          `db:"copy_data"`
	ExtEventUUID  sql.NullString `db:"ext_event_uuid"`
}

// CopyEventRow is a log row scheduled for event materialization,
// joined with its stream's tenant.
type CopyEventRow struct {
	IDLog        int64     `db:"id_log"`
	IDGroup      int32     `db:"id_group"`
	LogDate      time.Time `db:"log_date"`
	LogUUID      string    `db:"log_uuid"`
	ExtEventUUID string    `db:"ext_event_uuid"`
}

// StreamListRow is the admin listStreams projection.
type StreamListRow struct {
	VStreamExt string          `db:"vstream_ext"`
	Config     json.RawMessage `db:"config"`
}

// FaceLinkRow maps a descriptor to the stream it is attached to.
type FaceLinkRow struct {
	VStreamExt   string `db:"vstream_ext"`
	IDDescriptor int32  `db:"id_descriptor"`
}

// SGFaceRow is one special-group descriptor listing entry.
type SGFaceRow struct {
	IDDescriptor int32     `db:"id_descriptor"`
	LastUpdated  time.Time `db:"last_updated"`
	MimeType     string    `db:"mime_type"`
	FaceImage    []byte    `db:"face_image"`
}

// EventLogRow is one LPRS event.
type EventLogRow struct {
	IDEvent   int64           `db:"id_event"`
	IDVStream int32           `db:"id_vstream"`
	LogDate   time.Time       `db:"log_date"`
	Info      json.RawMessage `db:"info"`
}

// PlateStreamRow is an LPRS stream with its merged config.
type PlateStreamRow struct {
	IDVStream int32           `db:"id_vstream"`
	IDGroup   int32           `db:"id_group"`
	ExtID     string          `db:"ext_id"`
	Config    json.RawMessage `db:"config"`
}
