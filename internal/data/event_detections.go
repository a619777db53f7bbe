package data

import (
	"context"

	"github.com/lib/pq"
)

// EventDetectionModel is the junction table accessor (§3/§4.6): write-only
// relative to the parent collections, insertions tolerate concurrent
// duplicate attempts via "on conflict do nothing".
type EventDetectionModel struct {
	DB DBTX
}

// Link inserts the (event_id, detection_id) pair idempotently, surviving
// concurrent retries of the same batch analysis (§4.2/§8).
func (m EventDetectionModel) Link(ctx context.Context, eventID, detectionID int64) error {
	const query = `
		INSERT INTO event_detections (event_id, detection_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	_, err := m.DB.ExecContext(ctx, query, eventID, detectionID)
	return err
}

// LinkMany links every detection id to event_id in one round trip.
func (m EventDetectionModel) LinkMany(ctx context.Context, eventID int64, detectionIDs []int64) error {
	if len(detectionIDs) == 0 {
		return nil
	}
	const query = `
		INSERT INTO event_detections (event_id, detection_id)
		SELECT $1, d FROM unnest($2::bigint[]) AS d
		ON CONFLICT DO NOTHING`
	_, err := m.DB.ExecContext(ctx, query, eventID, pq.Array(detectionIDs))
	return err
}

// Unlink removes a single pair. The cascade soft-delete paths do not call
// it: they leave junction rows in place and filter on deleted_at.
func (m EventDetectionModel) Unlink(ctx context.Context, eventID, detectionID int64) error {
	const query = `DELETE FROM event_detections WHERE event_id = $1 AND detection_id = $2`
	_, err := m.DB.ExecContext(ctx, query, eventID, detectionID)
	return err
}

// DetectionIDsForEvent returns every detection linked to an event,
// regardless of the detections' own soft-delete state (callers filter).
func (m EventDetectionModel) DetectionIDsForEvent(ctx context.Context, eventID int64) ([]int64, error) {
	const query = `SELECT detection_id FROM event_detections WHERE event_id = $1`
	rows, err := m.DB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LiveEventCountForDetections returns, for each detection id, how many
// *live* events (excluding the ones in `excludeEventIDs`) still reference
// it — used by CascadeSoftDeleteService to decide which shared detections
// survive a cascade (§4.8/§8: "no detection linked to e is tombstoned if
// also linked to any live event e' != e").
func (m EventDetectionModel) LiveEventCountForDetections(ctx context.Context, detectionIDs []int64, excludeEventIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(detectionIDs))
	if len(detectionIDs) == 0 {
		return counts, nil
	}
	const query = `
		SELECT ed.detection_id, COUNT(*)
		FROM event_detections ed
		JOIN events e ON e.id = ed.event_id
		WHERE ed.detection_id = ANY($1)
		  AND e.deleted_at IS NULL
		  AND NOT (ed.event_id = ANY($2))
		GROUP BY ed.detection_id`

	rows, err := m.DB.QueryContext(ctx, query, pq.Array(detectionIDs), pq.Array(excludeEventIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
