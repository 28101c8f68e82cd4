package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	sqlGroupTokens = `
		select auth_token, id_group
		from vstream_groups`

	sqlGroupConfigs = `
		select
			g.id_group,
			coalesce(cc.config, '{}'::jsonb) || coalesce(dc.config, '{}'::jsonb) as config
		from vstream_groups g
			left join common_config cc on cc.id_group = g.id_group
			left join default_vstream_config dc on dc.id_group = g.id_group`

	sqlVStreamsSince = `
		select
			vs.id_vstream,
			vs.id_group,
			vs.vstream_ext,
			coalesce(vs.url, '') as url,
			coalesce(vs.callback_url, '') as callback_url,
			coalesce(dc.config, '{}'::jsonb) || coalesce(vs.config, '{}'::jsonb) as config,
			vs.flag_deleted,
			vs.last_updated
		from video_streams vs
			left join default_vstream_config dc on dc.id_group = vs.id_group
		where vs.last_updated > $1
		order by vs.last_updated`

	sqlDescriptorsSince = `
		select id_descriptor, id_group, descriptor_data, id_parent, flag_deleted, last_updated
		from face_descriptors
		where last_updated > $1
		order by last_updated`

	sqlVStreamLinksSince = `
		select id_descriptor, id_vstream as id_owner, flag_deleted, last_updated
		from link_descriptor_vstream
		where last_updated > $1
		order by last_updated`

	sqlSGroupLinksSince = `
		select id_descriptor, id_sgroup as id_owner, flag_deleted, last_updated
		from link_descriptor_sgroup
		where last_updated > $1
		order by last_updated`

	sqlSpecialGroups = `
		select id_special_group, id_group, group_name, sg_api_token,
			coalesce(callback_url, '') as callback_url, max_descriptor_count
		from special_groups
		where flag_deleted = false`

	sqlAddLogFace = `
		insert into log_faces
			(id_vstream, log_date, id_descriptor, quality,
			 face_left, face_top, face_width, face_height,
			 screenshot_url, log_uuid, copy_data)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning id_log`

	sqlBestQuality = `
		select id_log, log_date, quality, face_left, face_top, face_width, face_height,
			screenshot_url, log_uuid, copy_data
		from log_faces
		where id_vstream = $1
			and id_descriptor is not null
			and log_date >= $2
			and log_date <= $3
		order by quality desc
		limit 1`

	sqlLogFaceByID = `
		select lf.id_log, lf.id_vstream, lf.log_date, lf.id_descriptor, lf.quality,
			lf.face_left, lf.face_top, lf.face_width, lf.face_height,
			lf.screenshot_url, lf.log_uuid, lf.copy_data, lf.ext_event_uuid
		from log_faces lf
			join video_streams vs on vs.id_vstream = lf.id_vstream
		where vs.id_group = $1 and lf.id_log = $2`

	sqlLogFacesInterval = `
		select id_log, id_vstream, log_date, id_descriptor, quality,
			face_left, face_top, face_width, face_height,
			screenshot_url, log_uuid, copy_data
		from log_faces
		where id_vstream = $1
			and log_date >= $2
			and log_date <= $3
		order by log_date`

	sqlScheduleCopyEvent = `
		update log_faces
		set copy_data = $2, ext_event_uuid = $3
		where id_log = $1`

	sqlGetVStreamID = `
		select id_vstream
		from video_streams
		where id_group = $1 and vstream_ext = $2`

	sqlUpsertVStream = `
		insert into video_streams (id_group, vstream_ext, url, callback_url, config, flag_deleted, last_updated)
		values ($1, $2, $3, $4, $5, false, now())
		on conflict (id_group, vstream_ext) do update
			set url = excluded.url,
				callback_url = excluded.callback_url,
				config = excluded.config,
				flag_deleted = false,
				last_updated = now()
		returning id_vstream`

	sqlRemoveVStream = `
		update video_streams
		set flag_deleted = true, last_updated = now()
		where id_group = $1 and vstream_ext = $2`

	sqlListStreams = `
		select vstream_ext, coalesce(config, '{}'::jsonb) as config
		from video_streams
		where id_group = $1 and flag_deleted = false
		order by vstream_ext`

	sqlListAllFaces = `
		select vs.vstream_ext, l.id_descriptor
		from link_descriptor_vstream l
			join video_streams vs on vs.id_vstream = l.id_vstream
			join face_descriptors fd on fd.id_descriptor = l.id_descriptor
		where vs.id_group = $1
			and l.flag_deleted = false
			and vs.flag_deleted = false
			and fd.flag_deleted = false
		order by vs.vstream_ext, l.id_descriptor`

	sqlInsertDescriptor = `
		insert into face_descriptors (id_group, descriptor_data, id_parent, flag_deleted, last_updated)
		values ($1, $2, $3, false, now())
		returning id_descriptor`

	sqlInsertDescriptorImage = `
		insert into descriptor_images (id_descriptor, mime_type, face_image)
		values ($1, $2, $3)`

	sqlUpsertVStreamLink = `
		insert into link_descriptor_vstream (id_descriptor, id_vstream, flag_deleted, last_updated)
		values ($1, $2, false, now())
		on conflict (id_descriptor, id_vstream) do update
			set flag_deleted = false, last_updated = now()`

	sqlRemoveVStreamLink = `
		update link_descriptor_vstream
		set flag_deleted = true, last_updated = now()
		where id_descriptor = $1 and id_vstream = $2`

	sqlUpsertSGroupLink = `
		insert into link_descriptor_sgroup (id_descriptor, id_sgroup, flag_deleted, last_updated)
		values ($1, $2, false, now())
		on conflict (id_descriptor, id_sgroup) do update
			set flag_deleted = false, last_updated = now()`

	sqlDeleteFaces = `
		update face_descriptors
		set flag_deleted = true, last_updated = now()
		where id_group = $1 and id_descriptor = any($2)`

	sqlDeleteFaceLinks = `
		update link_descriptor_vstream
		set flag_deleted = true, last_updated = now()
		where id_descriptor = any($1)`

	sqlDeleteSGroupFaces = `
		update face_descriptors fd
		set flag_deleted = true, last_updated = now()
		from link_descriptor_sgroup l
		where l.id_descriptor = fd.id_descriptor
			and l.id_sgroup = $1
			and fd.id_descriptor = any($2)`

	sqlDeleteSGroupLinks = `
		update link_descriptor_sgroup
		set flag_deleted = true, last_updated = now()
		where id_sgroup = $1 and id_descriptor = any($2)`

	sqlCountSGroupFaces = `
		select count(*)
		from link_descriptor_sgroup l
			join face_descriptors fd on fd.id_descriptor = l.id_descriptor
		where l.id_sgroup = $1 and l.flag_deleted = false and fd.flag_deleted = false`

	sqlListSGroupFaces = `
		select l.id_descriptor, l.last_updated,
			coalesce(di.mime_type, '') as mime_type,
			coalesce(di.face_image, ''::bytea) as face_image
		from link_descriptor_sgroup l
			join face_descriptors fd on fd.id_descriptor = l.id_descriptor
			left join descriptor_images di on di.id_descriptor = l.id_descriptor
		where l.id_sgroup = $1 and l.flag_deleted = false and fd.flag_deleted = false
		order by l.id_descriptor`

	sqlAddSpecialGroup = `
		insert into special_groups (id_group, group_name, sg_api_token, callback_url, max_descriptor_count, flag_deleted)
		values ($1, $2, $3, $4, $5, false)
		returning id_special_group`

	sqlUpdateSGroupCallback = `
		update special_groups
		set callback_url = $2
		where id_special_group = $1`

	sqlRenewSGroupToken = `
		update special_groups
		set sg_api_token = $2
		where id_special_group = $1`

	sqlDeleteSpecialGroup = `
		update special_groups
		set flag_deleted = true
		where id_special_group = $1 and id_group = $2`

	sqlGetCommonConfig = `
		select coalesce(config, '{}'::jsonb) as config
		from common_config
		where id_group = $1`

	sqlSetCommonConfig = `
		insert into common_config (id_group, config)
		values ($1, $2)
		on conflict (id_group) do update set config = excluded.config`

	sqlGetDefaultStreamConfig = `
		select coalesce(config, '{}'::jsonb) as config
		from default_vstream_config
		where id_group = $1`

	sqlSetDefaultStreamConfig = `
		insert into default_vstream_config (id_group, config)
		values ($1, $2)
		on conflict (id_group) do update set config = excluded.config`
)

// GroupTokens loads every tenant's auth token.
func (s *Store) GroupTokens() ([]GroupToken, error) {
	var rows []GroupToken
	if err := s.db.Select(&rows, sqlGroupTokens); err != nil {
		return nil, fmt.Errorf("group tokens: %w", err)
	}
	return rows, nil
}

// GroupConfigs loads the merged per-tenant configuration.
func (s *Store) GroupConfigs() ([]GroupConfig, error) {
	var rows []GroupConfig
	if err := s.db.Select(&rows, sqlGroupConfigs); err != nil {
		return nil, fmt.Errorf("group configs: %w", err)
	}
	return rows, nil
}

// VStreamsSince loads streams updated after the given point, deleted
// ones included so the cache can retire them.
func (s *Store) VStreamsSince(since time.Time) ([]VStreamRow, error) {
	var rows []VStreamRow
	if err := s.db.Select(&rows, sqlVStreamsSince, since); err != nil {
		return nil, fmt.Errorf("video streams: %w", err)
	}
	return rows, nil
}

// DescriptorsSince loads descriptors updated after the given point.
func (s *Store) DescriptorsSince(since time.Time) ([]DescriptorRow, error) {
	var rows []DescriptorRow
	if err := s.db.Select(&rows, sqlDescriptorsSince, since); err != nil {
		return nil, fmt.Errorf("descriptors: %w", err)
	}
	return rows, nil
}

// VStreamLinksSince loads descriptor-to-stream bindings updated after
// the given point.
func (s *Store) VStreamLinksSince(since time.Time) ([]LinkRow, error) {
	var rows []LinkRow
	if err := s.db.Select(&rows, sqlVStreamLinksSince, since); err != nil {
		return nil, fmt.Errorf("stream links: %w", err)
	}
	return rows, nil
}

// SGroupLinksSince loads descriptor-to-special-group bindings updated
// after the given point.
func (s *Store) SGroupLinksSince(since time.Time) ([]LinkRow, error) {
	var rows []LinkRow
	if err := s.db.Select(&rows, sqlSGroupLinksSince, since); err != nil {
		return nil, fmt.Errorf("sgroup links: %w", err)
	}
	return rows, nil
}

// SpecialGroups loads every live special group.
func (s *Store) SpecialGroups() ([]SpecialGroupRow, error) {
	var rows []SpecialGroupRow
	if err := s.db.Select(&rows, sqlSpecialGroups); err != nil {
		return nil, fmt.Errorf("special groups: %w", err)
	}
	return rows, nil
}

// AddLogFaceParams describes one recognition log entry to persist.
type AddLogFaceParams struct {
	IDVStream     int32
	LogDate       time.Time
	IDDescriptor  int32 // 0 means unrecognized
	Quality       float64
	FaceLeft      int32
	FaceTop       int32
	FaceWidth     int32
	FaceHeight    int32
	ScreenshotURL string
	LogUUID       string
	CopyData      int16
}

// AddLogFace inserts one log row and returns its id, or -1 with the
// error when the insert fails. Callers treat -1 as "logged nothing"
// and keep the pipeline running.
func (s *Store) AddLogFace(p AddLogFaceParams) (int64, error) {
	var idDescriptor sql.NullInt32
	if p.IDDescriptor > 0 {
		idDescriptor = sql.NullInt32{Int32: p.IDDescriptor, Valid: true}
	}
	var idLog int64
	err := s.db.QueryRow(sqlAddLogFace,
		p.IDVStream, p.LogDate, idDescriptor, p.Quality,
		p.FaceLeft, p.FaceTop, p.FaceWidth, p.FaceHeight,
		p.ScreenshotURL, p.LogUUID, p.CopyData).Scan(&idLog)
	if err != nil {
		return -1, fmt.Errorf("add log face: %w", err)
	}
	return idLog, nil
}

// BestQuality returns the sharpest recognized face logged on the
// stream inside the inclusive [from, to] interval.
func (s *Store) BestQuality(idVStream int32, from, to time.Time) (*LogFaceRow, error) {
	var row LogFaceRow
	err := s.db.Get(&row, sqlBestQuality, idVStream, from, to)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("best quality: %w", err)
	}
	return &row, nil
}

// LogFaceByID fetches one log row, checking tenant ownership through
// the stream.
func (s *Store) LogFaceByID(idGroup int32, idLog int64) (*LogFaceRow, error) {
	var row LogFaceRow
	err := s.db.Get(&row, sqlLogFaceByID, idGroup, idLog)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("log face by id: %w", err)
	}
	return &row, nil
}

// LogFacesInterval lists log rows on the stream inside the inclusive
// [from, to] interval in chronological order.
func (s *Store) LogFacesInterval(idVStream int32, from, to time.Time) ([]LogFaceRow, error) {
	var rows []LogFaceRow
	if err := s.db.Select(&rows, sqlLogFacesInterval, idVStream, from, to); err != nil {
		return nil, fmt.Errorf("log faces interval: %w", err)
	}
	return rows, nil
}

// ScheduleCopyEvent marks a log row for event materialization and
// stamps the external event uuid on it.
func (s *Store) ScheduleCopyEvent(idLog int64, eventUUID string) error {
	if _, err := s.db.Exec(sqlScheduleCopyEvent, idLog, CopyDataScheduled, eventUUID); err != nil {
		return fmt.Errorf("schedule copy event: %w", err)
	}
	return nil
}

// VStreamID resolves a tenant's external stream id to the internal one.
// Returns 0 when the stream does not exist.
func (s *Store) VStreamID(idGroup int32, ext string) (int32, error) {
	var id int32
	err := s.db.Get(&id, sqlGetVStreamID, idGroup, ext)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vstream id: %w", err)
	}
	return id, nil
}

// UpsertVStream creates or revives a stream and returns its internal id.
func (s *Store) UpsertVStream(idGroup int32, ext, url, callbackURL string, config json.RawMessage) (int32, error) {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	var id int32
	err := s.db.QueryRow(sqlUpsertVStream, idGroup, ext, url, callbackURL, []byte(config)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert vstream: %w", err)
	}
	return id, nil
}

// RemoveVStream soft-deletes a stream.
func (s *Store) RemoveVStream(idGroup int32, ext string) error {
	if _, err := s.db.Exec(sqlRemoveVStream, idGroup, ext); err != nil {
		return fmt.Errorf("remove vstream: %w", err)
	}
	return nil
}

// ListStreams returns the tenant's live streams with their configs.
func (s *Store) ListStreams(idGroup int32) ([]StreamListRow, error) {
	var rows []StreamListRow
	if err := s.db.Select(&rows, sqlListStreams, idGroup); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return rows, nil
}

// ListAllFaces returns every live descriptor binding of the tenant.
func (s *Store) ListAllFaces(idGroup int32) ([]FaceLinkRow, error) {
	var rows []FaceLinkRow
	if err := s.db.Select(&rows, sqlListAllFaces, idGroup); err != nil {
		return nil, fmt.Errorf("list all faces: %w", err)
	}
	return rows, nil
}

// AddDescriptorParams describes one descriptor registration.
type AddDescriptorParams struct {
	IDGroup   int32
	Data      []byte
	IDParent  int32 // 0 when the face is a first-class registration
	MimeType  string
	FaceImage []byte
	IDVStream int32 // link target, 0 to skip
	IDSGroup  int32 // link target, 0 to skip
}

// AddFaceDescriptor persists a descriptor, its reference image and the
// requested bindings in one transaction.
func (s *Store) AddFaceDescriptor(p AddDescriptorParams) (int32, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("add descriptor: %w", err)
	}
	defer tx.Rollback()

	var idParent sql.NullInt32
	if p.IDParent > 0 {
		idParent = sql.NullInt32{Int32: p.IDParent, Valid: true}
	}
	var id int32
	if err = tx.QueryRow(sqlInsertDescriptor, p.IDGroup, p.Data, idParent).Scan(&id); err != nil {
		return 0, fmt.Errorf("add descriptor: %w", err)
	}
	if len(p.FaceImage) > 0 {
		if _, err = tx.Exec(sqlInsertDescriptorImage, id, p.MimeType, p.FaceImage); err != nil {
			return 0, fmt.Errorf("add descriptor image: %w", err)
		}
	}
	if p.IDVStream > 0 {
		if _, err = tx.Exec(sqlUpsertVStreamLink, id, p.IDVStream); err != nil {
			return 0, fmt.Errorf("link descriptor to stream: %w", err)
		}
	}
	if p.IDSGroup > 0 {
		if _, err = tx.Exec(sqlUpsertSGroupLink, id, p.IDSGroup); err != nil {
			return 0, fmt.Errorf("link descriptor to sgroup: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("add descriptor: %w", err)
	}
	return id, nil
}

// LinkFacesToStream attaches descriptors to a stream, reviving soft
// deleted links.
func (s *Store) LinkFacesToStream(idVStream int32, ids []int32) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("link faces: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err = tx.Exec(sqlUpsertVStreamLink, id, idVStream); err != nil {
			return fmt.Errorf("link faces: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("link faces: %w", err)
	}
	return nil
}

// UnlinkFacesFromStream detaches descriptors from a stream.
func (s *Store) UnlinkFacesFromStream(idVStream int32, ids []int32) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("unlink faces: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err = tx.Exec(sqlRemoveVStreamLink, id, idVStream); err != nil {
			return fmt.Errorf("unlink faces: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("unlink faces: %w", err)
	}
	return nil
}

// DeleteFaces soft-deletes the tenant's descriptors and their stream
// bindings.
func (s *Store) DeleteFaces(idGroup int32, ids []int32) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("delete faces: %w", err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(sqlDeleteFaces, idGroup, int32Array(ids)); err != nil {
		return fmt.Errorf("delete faces: %w", err)
	}
	if _, err = tx.Exec(sqlDeleteFaceLinks, int32Array(ids)); err != nil {
		return fmt.Errorf("delete face links: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("delete faces: %w", err)
	}
	return nil
}

// DeleteSGroupFaces soft-deletes descriptors of one special group.
func (s *Store) DeleteSGroupFaces(idSGroup int32, ids []int32) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("delete sgroup faces: %w", err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(sqlDeleteSGroupFaces, idSGroup, int32Array(ids)); err != nil {
		return fmt.Errorf("delete sgroup faces: %w", err)
	}
	if _, err = tx.Exec(sqlDeleteSGroupLinks, idSGroup, int32Array(ids)); err != nil {
		return fmt.Errorf("delete sgroup links: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("delete sgroup faces: %w", err)
	}
	return nil
}

// CountSGroupFaces returns the number of live descriptors in a special
// group, used to enforce the registration quota.
func (s *Store) CountSGroupFaces(idSGroup int32) (int32, error) {
	var n int32
	if err := s.db.Get(&n, sqlCountSGroupFaces, idSGroup); err != nil {
		return 0, fmt.Errorf("count sgroup faces: %w", err)
	}
	return n, nil
}

// ListSGroupFaces lists the live descriptors of a special group.
func (s *Store) ListSGroupFaces(idSGroup int32) ([]SGFaceRow, error) {
	var rows []SGFaceRow
	if err := s.db.Select(&rows, sqlListSGroupFaces, idSGroup); err != nil {
		return nil, fmt.Errorf("list sgroup faces: %w", err)
	}
	return rows, nil
}

// AddSpecialGroup creates a special group with a fresh API token.
func (s *Store) AddSpecialGroup(idGroup int32, name, token, callbackURL string, maxFaces int32) (int32, error) {
	var id int32
	err := s.db.QueryRow(sqlAddSpecialGroup, idGroup, name, token, callbackURL, maxFaces).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add special group: %w", err)
	}
	return id, nil
}

// UpdateSpecialGroupCallback replaces the group's event callback URL.
func (s *Store) UpdateSpecialGroupCallback(idSGroup int32, callbackURL string) error {
	if _, err := s.db.Exec(sqlUpdateSGroupCallback, idSGroup, callbackURL); err != nil {
		return fmt.Errorf("update special group: %w", err)
	}
	return nil
}

// RenewSpecialGroupToken installs a freshly minted API token.
func (s *Store) RenewSpecialGroupToken(idSGroup int32, token string) error {
	if _, err := s.db.Exec(sqlRenewSGroupToken, idSGroup, token); err != nil {
		return fmt.Errorf("renew sgroup token: %w", err)
	}
	return nil
}

// DeleteSpecialGroup soft-deletes a tenant's special group.
func (s *Store) DeleteSpecialGroup(idSGroup, idGroup int32) (bool, error) {
	res, err := s.db.Exec(sqlDeleteSpecialGroup, idSGroup, idGroup)
	if err != nil {
		return false, fmt.Errorf("delete special group: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CommonConfig returns the tenant's stored common config, "{}" when
// none was ever set.
func (s *Store) CommonConfig(idGroup int32) (json.RawMessage, error) {
	var cfg json.RawMessage
	err := s.db.Get(&cfg, sqlGetCommonConfig, idGroup)
	if err == sql.ErrNoRows {
		return json.RawMessage("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("common config: %w", err)
	}
	return cfg, nil
}

// SetCommonConfig stores the tenant's common config.
func (s *Store) SetCommonConfig(idGroup int32, cfg json.RawMessage) error {
	if _, err := s.db.Exec(sqlSetCommonConfig, idGroup, []byte(cfg)); err != nil {
		return fmt.Errorf("set common config: %w", err)
	}
	return nil
}

// DefaultStreamConfig returns the tenant's default stream config.
func (s *Store) DefaultStreamConfig(idGroup int32) (json.RawMessage, error) {
	var cfg json.RawMessage
	err := s.db.Get(&cfg, sqlGetDefaultStreamConfig, idGroup)
	if err == sql.ErrNoRows {
		return json.RawMessage("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("default stream config: %w", err)
	}
	return cfg, nil
}

// SetDefaultStreamConfig stores the tenant's default stream config.
func (s *Store) SetDefaultStreamConfig(idGroup int32, cfg json.RawMessage) error {
	if _, err := s.db.Exec(sqlSetDefaultStreamConfig, idGroup, []byte(cfg)); err != nil {
		return fmt.Errorf("set default stream config: %w", err)
	}
	return nil
}

// int32Array adapts an id list for a Postgres any($n) clause.
func int32Array(ids []int32) interface{} {
	arr := make(pq.Int64Array, len(ids))
	for i, id := range ids {
		arr[i] = int64(id)
	}
	return arr
}
