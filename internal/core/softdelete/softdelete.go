// Package softdelete implements CascadeSoftDeleteService (§4.8):
// tombstoning and restore across camera/event/detection with referential
// respect for detections shared across multiple live events.
package softdelete

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/data"
	"github.com/sentrycore/vms-core/internal/metrics"
)

// CameraResult is soft_delete_camera/restore_camera's structured result.
type CameraResult struct {
	ParentDeleted      bool
	EventsAffected     int64
	DetectionsAffected int64
}

// EventResult is soft_delete_event/restore_event's structured result.
type EventResult struct {
	ParentDeleted      bool
	DetectionsAffected int64
}

// Service is CascadeSoftDeleteService, operating over a *sql.DB so each
// operation runs inside its own transaction, in the style of
// data.NVRModel.UpsertLink's BeginTx/defer Rollback/Commit pattern.
type Service struct {
	db *sql.DB
}

func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// SoftDeleteCamera implements soft_delete_camera (§4.8).
func (s *Service) SoftDeleteCamera(ctx context.Context, cameraID uuid.UUID, cascade bool) (CameraResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CameraResult{}, errs.RuntimeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var alreadyDeleted sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT deleted_at FROM cameras WHERE id = $1`, cameraID).Scan(&alreadyDeleted)
	if err == sql.ErrNoRows {
		return CameraResult{}, errs.ValueError("camera not found", nil)
	}
	if err != nil {
		return CameraResult{}, errs.RuntimeError("failed to read camera", err)
	}
	if alreadyDeleted.Valid {
		return CameraResult{ParentDeleted: false}, nil
	}

	at := time.Now()
	var result CameraResult

	if cascade {
		eventsAffected, err := (data.EventModel{DB: tx}).SoftDeleteForCamera(ctx, cameraID, at)
		if err != nil {
			return CameraResult{}, errs.RuntimeError("failed to cascade-delete events", err)
		}
		detectionsAffected, err := (data.DetectionModel{DB: tx}).SoftDeleteForCamera(ctx, cameraID, at)
		if err != nil {
			return CameraResult{}, errs.RuntimeError("failed to cascade-delete detections", err)
		}
		result.EventsAffected = eventsAffected
		result.DetectionsAffected = detectionsAffected
	}

	if _, err := tx.ExecContext(ctx, `UPDATE cameras SET deleted_at = $2 WHERE id = $1`, cameraID, at); err != nil {
		return CameraResult{}, errs.RuntimeError("failed to tombstone camera", err)
	}

	if err := tx.Commit(); err != nil {
		return CameraResult{}, errs.RuntimeError("failed to commit camera delete", err)
	}

	result.ParentDeleted = true
	metrics.RecordSoftDeleteCascade("camera", "delete")
	return result, nil
}

// SoftDeleteEvent implements soft_delete_event (§4.8): a detection linked
// to the event is tombstoned only if no other live event still references
// it.
func (s *Service) SoftDeleteEvent(ctx context.Context, eventID int64, cascade bool) (EventResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventResult{}, errs.RuntimeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	events := data.EventModel{DB: tx}
	ed := data.EventDetectionModel{DB: tx}

	event, err := events.GetByID(ctx, eventID)
	if err == data.ErrRecordNotFound {
		return EventResult{}, errs.ValueError("event not found", nil)
	}
	if err != nil {
		return EventResult{}, errs.RuntimeError("failed to read event", err)
	}
	if event.DeletedAt != nil {
		return EventResult{ParentDeleted: false}, nil
	}

	at := time.Now()
	var affected int64

	if cascade {
		detIDs, err := ed.DetectionIDsForEvent(ctx, eventID)
		if err != nil {
			return EventResult{}, errs.RuntimeError("failed to list linked detections", err)
		}
		if len(detIDs) > 0 {
			liveCounts, err := ed.LiveEventCountForDetections(ctx, detIDs, []int64{eventID})
			if err != nil {
				return EventResult{}, errs.RuntimeError("failed to compute shared-detection counts", err)
			}
			var orphaned []int64
			for _, id := range detIDs {
				if liveCounts[id] == 0 {
					orphaned = append(orphaned, id)
				}
			}
			affected, err = (data.DetectionModel{DB: tx}).SoftDeleteByIDs(ctx, orphaned, at)
			if err != nil {
				return EventResult{}, errs.RuntimeError("failed to cascade-delete detections", err)
			}
		}
	}

	if err := events.SoftDelete(ctx, eventID, at); err != nil {
		return EventResult{}, errs.RuntimeError("failed to tombstone event", err)
	}
	if err := tx.Commit(); err != nil {
		return EventResult{}, errs.RuntimeError("failed to commit event delete", err)
	}

	metrics.RecordSoftDeleteCascade("event", "delete")
	return EventResult{ParentDeleted: true, DetectionsAffected: affected}, nil
}

// SoftDeleteEventsBulk implements soft_delete_events_bulk (§4.8): a
// detection is tombstoned only if every live event referencing it is in
// the set being deleted.
func (s *Service) SoftDeleteEventsBulk(ctx context.Context, eventIDs []int64, cascade bool) (EventResult, error) {
	if len(eventIDs) == 0 {
		return EventResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventResult{}, errs.RuntimeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	events := data.EventModel{DB: tx}
	ed := data.EventDetectionModel{DB: tx}
	at := time.Now()
	var affected int64

	if cascade {
		var allDetIDs []int64
		for _, id := range eventIDs {
			ids, err := ed.DetectionIDsForEvent(ctx, id)
			if err != nil {
				return EventResult{}, errs.RuntimeError("failed to list linked detections", err)
			}
			allDetIDs = append(allDetIDs, ids...)
		}
		if len(allDetIDs) > 0 {
			liveCounts, err := ed.LiveEventCountForDetections(ctx, allDetIDs, eventIDs)
			if err != nil {
				return EventResult{}, errs.RuntimeError("failed to compute shared-detection counts", err)
			}
			var orphaned []int64
			seen := make(map[int64]struct{})
			for _, id := range allDetIDs {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if liveCounts[id] == 0 {
					orphaned = append(orphaned, id)
				}
			}
			affected, err = (data.DetectionModel{DB: tx}).SoftDeleteByIDs(ctx, orphaned, at)
			if err != nil {
				return EventResult{}, errs.RuntimeError("failed to cascade-delete detections", err)
			}
		}
	}

	for _, id := range eventIDs {
		if err := events.SoftDelete(ctx, id, at); err != nil {
			return EventResult{}, errs.RuntimeError("failed to tombstone event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return EventResult{}, errs.RuntimeError("failed to commit bulk event delete", err)
	}

	metrics.RecordSoftDeleteCascade("event", "bulk_delete")
	return EventResult{ParentDeleted: true, DetectionsAffected: affected}, nil
}

// RestoreCamera implements restore_camera (§4.8): restores the camera and,
// if cascade, every event/detection tombstoned in the same operation
// (deleted_at >= the camera's own deleted_at).
func (s *Service) RestoreCamera(ctx context.Context, cameraID uuid.UUID, cascade bool) (CameraResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CameraResult{}, errs.RuntimeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT deleted_at FROM cameras WHERE id = $1`, cameraID).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return CameraResult{}, errs.ValueError("camera not found", nil)
	}
	if err != nil {
		return CameraResult{}, errs.RuntimeError("failed to read camera", err)
	}
	if !deletedAt.Valid {
		return CameraResult{ParentDeleted: false}, nil
	}

	var result CameraResult
	if cascade {
		eventsRestored, err := (data.EventModel{DB: tx}).RestoreForCameraWindow(ctx, cameraID, deletedAt.Time)
		if err != nil {
			return CameraResult{}, errs.RuntimeError("failed to restore events", err)
		}
		detIDs, err := (data.DetectionModel{DB: tx}).IDsDeletedAt(ctx, cameraID, deletedAt.Time)
		if err != nil {
			return CameraResult{}, errs.RuntimeError("failed to list detections to restore", err)
		}
		detsRestored, err := (data.DetectionModel{DB: tx}).RestoreByIDs(ctx, detIDs)
		if err != nil {
			return CameraResult{}, errs.RuntimeError("failed to restore detections", err)
		}
		result.EventsAffected = eventsRestored
		result.DetectionsAffected = detsRestored
	}

	if _, err := tx.ExecContext(ctx, `UPDATE cameras SET deleted_at = NULL WHERE id = $1`, cameraID); err != nil {
		return CameraResult{}, errs.RuntimeError("failed to restore camera", err)
	}
	if err := tx.Commit(); err != nil {
		return CameraResult{}, errs.RuntimeError("failed to commit camera restore", err)
	}

	result.ParentDeleted = true
	metrics.RecordSoftDeleteCascade("camera", "restore")
	return result, nil
}

// RestoreEvent implements restore_event (§4.8), symmetric to RestoreCamera.
func (s *Service) RestoreEvent(ctx context.Context, eventID int64, cascade bool) (EventResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventResult{}, errs.RuntimeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	events := data.EventModel{DB: tx}
	event, err := events.GetByID(ctx, eventID)
	if err == data.ErrRecordNotFound {
		return EventResult{}, errs.ValueError("event not found", nil)
	}
	if err != nil {
		return EventResult{}, errs.RuntimeError("failed to read event", err)
	}
	if event.DeletedAt == nil {
		return EventResult{ParentDeleted: false}, nil
	}

	var affected int64
	if cascade {
		ed := data.EventDetectionModel{DB: tx}
		detIDs, err := ed.DetectionIDsForEvent(ctx, eventID)
		if err != nil {
			return EventResult{}, errs.RuntimeError("failed to list linked detections", err)
		}
		var toRestore []int64
		for _, id := range detIDs {
			det, err := (data.DetectionModel{DB: tx}).GetByID(ctx, id)
			if err != nil {
				continue
			}
			if det.DeletedAt != nil && !det.DeletedAt.Before(*event.DeletedAt) {
				toRestore = append(toRestore, id)
			}
		}
		affected, err = (data.DetectionModel{DB: tx}).RestoreByIDs(ctx, toRestore)
		if err != nil {
			return EventResult{}, errs.RuntimeError("failed to restore detections", err)
		}
	}

	if err := events.Restore(ctx, eventID); err != nil {
		return EventResult{}, errs.RuntimeError("failed to restore event", err)
	}
	if err := tx.Commit(); err != nil {
		return EventResult{}, errs.RuntimeError("failed to commit event restore", err)
	}

	metrics.RecordSoftDeleteCascade("event", "restore")
	return EventResult{ParentDeleted: true, DetectionsAffected: affected}, nil
}
