package data

import (
	"context"

	"github.com/google/uuid"
)

// WriteOnlyDetectionLinks gives write-only and count-only access to the
// camera/detection/event graph (§4.6/§9's "WriteOnlyMapped" redesign):
// every method either mutates a foreign key / junction row or returns a
// scalar count, and none ever materializes the parent-side collection.
type WriteOnlyDetectionLinks struct {
	DB DBTX
}

// AttachDetectionToCamera sets a detection's owning camera_id directly,
// without loading the camera's detection list.
func (w WriteOnlyDetectionLinks) AttachDetectionToCamera(ctx context.Context, detectionID int64, cameraID uuid.UUID) error {
	const query = `UPDATE detections SET camera_id = $2 WHERE id = $1`
	_, err := w.DB.ExecContext(ctx, query, detectionID, cameraID)
	return err
}

// AttachDetectionToEvent inserts the junction row directly.
func (w WriteOnlyDetectionLinks) AttachDetectionToEvent(ctx context.Context, eventID, detectionID int64) error {
	const query = `INSERT INTO event_detections (event_id, detection_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := w.DB.ExecContext(ctx, query, eventID, detectionID)
	return err
}

// DetachDetectionFromEvent removes the junction row directly.
func (w WriteOnlyDetectionLinks) DetachDetectionFromEvent(ctx context.Context, eventID, detectionID int64) error {
	const query = `DELETE FROM event_detections WHERE event_id = $1 AND detection_id = $2`
	_, err := w.DB.ExecContext(ctx, query, eventID, detectionID)
	return err
}

// CountDetectionsForCamera returns a scalar count, never the rows.
func (w WriteOnlyDetectionLinks) CountDetectionsForCamera(ctx context.Context, cameraID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM detections WHERE camera_id = $1 AND deleted_at IS NULL`
	var n int
	err := w.DB.QueryRowContext(ctx, query, cameraID).Scan(&n)
	return n, err
}

// CountEventsForCamera returns a scalar count, never the rows.
func (w WriteOnlyDetectionLinks) CountEventsForCamera(ctx context.Context, cameraID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM events WHERE camera_id = $1 AND deleted_at IS NULL`
	var n int
	err := w.DB.QueryRowContext(ctx, query, cameraID).Scan(&n)
	return n, err
}
