package store

import (
	"fmt"
	"time"
)

const (
	sqlPurgeDescriptorImages = `
		delete from descriptor_images di
		using face_descriptors fd
		where fd.id_descriptor = di.id_descriptor
			and fd.flag_deleted = true
			and fd.last_updated < $1`

	sqlPurgeVStreamLinks = `
		delete from link_descriptor_vstream
		where (flag_deleted = true and last_updated < $1)
			or id_descriptor in (
				select id_descriptor from face_descriptors
				where flag_deleted = true and last_updated < $1)`

	sqlPurgeSGroupLinks = `
		delete from link_descriptor_sgroup
		where (flag_deleted = true and last_updated < $1)
			or id_descriptor in (
				select id_descriptor from face_descriptors
				where flag_deleted = true and last_updated < $1)`

	sqlPurgeDescriptors = `
		delete from face_descriptors
		where flag_deleted = true and last_updated < $1`

	sqlPurgeVStreams = `
		delete from video_streams
		where flag_deleted = true and last_updated < $1`

	sqlDeleteOldLogFaces = `
		delete from log_faces
		where log_date < $1 and copy_data <> $2`

	sqlScheduledCopyEvents = `
		select lf.id_log, vs.id_group, lf.log_date, lf.log_uuid, lf.ext_event_uuid
		from log_faces lf
			join video_streams vs on vs.id_vstream = lf.id_vstream
		where lf.copy_data = $1
		order by lf.id_log`

	sqlMarkCopyDone = `
		update log_faces
		set copy_data = $2
		where id_log = $1`
)

// PurgeDeleted permanently removes soft-deleted descriptors, their
// images and links, and soft-deleted streams whose deletion is older
// than the cutoff. Caches must have observed the soft delete before
// the rows disappear, hence the age gate.
func (s *Store) PurgeDeleted(cutoff time.Time) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("purge deleted: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		sqlPurgeDescriptorImages,
		sqlPurgeVStreamLinks,
		sqlPurgeSGroupLinks,
		sqlPurgeDescriptors,
		sqlPurgeVStreams,
	} {
		if _, err = tx.Exec(q, cutoff); err != nil {
			return fmt.Errorf("purge deleted: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("purge deleted: %w", err)
	}
	return nil
}

// DeleteOldLogFaces removes expired log rows, keeping the ones still
// scheduled for event materialization.
func (s *Store) DeleteOldLogFaces(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(sqlDeleteOldLogFaces, cutoff, CopyDataScheduled)
	if err != nil {
		return 0, fmt.Errorf("delete old log faces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ScheduledCopyEvents lists the log rows awaiting event
// materialization.
func (s *Store) ScheduledCopyEvents() ([]CopyEventRow, error) {
	var rows []CopyEventRow
	if err := s.db.Select(&rows, sqlScheduledCopyEvents, CopyDataScheduled); err != nil {
		return nil, fmt.Errorf("scheduled copy events: %w", err)
	}
	return rows, nil
}

// MarkCopyDone flips a log row out of the copy queue.
func (s *Store) MarkCopyDone(idLog int64) error {
	if _, err := s.db.Exec(sqlMarkCopyDone, idLog, CopyDataDone); err != nil {
		return fmt.Errorf("mark copy done: %w", err)
	}
	return nil
}
