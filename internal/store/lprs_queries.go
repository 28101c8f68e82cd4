package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	sqlPlateStreams = `
		select
			vs.id_vstream,
			vs.id_group,
			vs.ext_id,
			coalesce(dc.config, '{}'::jsonb) || coalesce(vs.config, '{}'::jsonb) as config
		from vstreams vs
			left join default_vstream_config dc on dc.id_group = vs.id_group
		order by vs.id_group, vs.ext_id`

	sqlUpsertPlateStream = `
		insert into vstreams (id_group, ext_id, config)
		values ($1, $2, $3)
		on conflict (id_group, ext_id) do update set config = excluded.config
		returning id_vstream`

	sqlRemovePlateStream = `
		delete from vstreams
		where id_group = $1 and ext_id = $2`

	sqlListPlateStreams = `
		select id_vstream, id_group, ext_id, coalesce(config, '{}'::jsonb) as config
		from vstreams
		where id_group = $1
		order by ext_id`

	sqlAddEventLog = `
		insert into events_log (id_vstream, log_date, info)
		values ($1, $2, $3)
		returning id_event`

	sqlEventByID = `
		select id_event, id_vstream, log_date, info
		from events_log
		where id_event = $1`

	sqlNearestEvent = `
		select id_event, id_vstream, log_date, info
		from events_log
		where id_vstream = $1 and log_date > $2 and log_date < $3
		order by abs(extract(epoch from log_date) - extract(epoch from $4::timestamptz))
		limit 1`

	sqlDeleteOldEvents = `
		delete from events_log
		where log_date < $1`

	sqlMergeDefaultStreamConfig = `
		update default_vstream_config
		set config = coalesce(config, '{}'::jsonb) || $2
		where id_group = $1`

	sqlInsertDefaultStreamConfig = `
		insert into default_vstream_config (id_group, config)
		values ($1, $2)
		on conflict (id_group) do nothing`
)

// PlateStreams loads every plate stream with its merged config.
func (s *Store) PlateStreams() ([]PlateStreamRow, error) {
	var rows []PlateStreamRow
	if err := s.db.Select(&rows, sqlPlateStreams); err != nil {
		return nil, fmt.Errorf("plate streams: %w", err)
	}
	return rows, nil
}

// UpsertPlateStream creates or updates a plate stream and returns its
// internal id.
func (s *Store) UpsertPlateStream(idGroup int32, ext string, config json.RawMessage) (int32, error) {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	var id int32
	err := s.db.QueryRow(sqlUpsertPlateStream, idGroup, ext, []byte(config)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert plate stream: %w", err)
	}
	return id, nil
}

// RemovePlateStream deletes a plate stream row.
func (s *Store) RemovePlateStream(idGroup int32, ext string) error {
	if _, err := s.db.Exec(sqlRemovePlateStream, idGroup, ext); err != nil {
		return fmt.Errorf("remove plate stream: %w", err)
	}
	return nil
}

// ListPlateStreams lists the tenant's plate streams.
func (s *Store) ListPlateStreams(idGroup int32) ([]PlateStreamRow, error) {
	var rows []PlateStreamRow
	if err := s.db.Select(&rows, sqlListPlateStreams, idGroup); err != nil {
		return nil, fmt.Errorf("list plate streams: %w", err)
	}
	return rows, nil
}

// AddEventLog inserts one plate event and returns its id, or -1 when
// the insert fails so the pipeline can keep running.
func (s *Store) AddEventLog(idVStream int32, date time.Time, info json.RawMessage) (int64, error) {
	var id int64
	if err := s.db.QueryRow(sqlAddEventLog, idVStream, date, []byte(info)).Scan(&id); err != nil {
		return -1, fmt.Errorf("add event log: %w", err)
	}
	return id, nil
}

// EventByID fetches one plate event.
func (s *Store) EventByID(idEvent int64) (*EventLogRow, error) {
	var row EventLogRow
	err := s.db.Get(&row, sqlEventByID, idEvent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("event by id: %w", err)
	}
	return &row, nil
}

// NearestEvent returns the event closest to date inside the exclusive
// (date-before, date+after) window.
func (s *Store) NearestEvent(idVStream int32, date time.Time, before, after time.Duration) (*EventLogRow, error) {
	var row EventLogRow
	err := s.db.Get(&row, sqlNearestEvent, idVStream, date.Add(-before), date.Add(after), date)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nearest event: %w", err)
	}
	return &row, nil
}

// DeleteOldEvents removes events older than the cutoff and returns the
// number of rows erased.
func (s *Store) DeleteOldEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(sqlDeleteOldEvents, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MergeDefaultStreamConfig deep-merges the patch into the tenant's
// default stream config, creating the row when missing.
func (s *Store) MergeDefaultStreamConfig(idGroup int32, patch json.RawMessage) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("merge default config: %w", err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(sqlInsertDefaultStreamConfig, idGroup, []byte("{}")); err != nil {
		return fmt.Errorf("merge default config: %w", err)
	}
	if _, err = tx.Exec(sqlMergeDefaultStreamConfig, idGroup, []byte(patch)); err != nil {
		return fmt.Errorf("merge default config: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("merge default config: %w", err)
	}
	return nil
}
