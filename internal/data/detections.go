package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Detection is a single object-detector result (§3). Confidence values are
// clamped to [0,1] on write; enrichment_data is written once, atomically
// with the owning Event.
type Detection struct {
	ID             int64           `json:"id"`
	CameraID       uuid.UUID       `json:"camera_id"`
	FilePath       string          `json:"file_path"`
	FileType       string          `json:"file_type,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	ObjectType     string          `json:"object_type"`
	Confidence     *float64        `json:"confidence,omitempty"`
	BBoxX          *float64        `json:"bbox_x,omitempty"`
	BBoxY          *float64        `json:"bbox_y,omitempty"`
	BBoxWidth      *float64        `json:"bbox_width,omitempty"`
	BBoxHeight     *float64        `json:"bbox_height,omitempty"`
	ThumbnailPath  string          `json:"thumbnail_path,omitempty"`
	MediaType      string          `json:"media_type,omitempty"` // image|video
	Duration       *float64        `json:"duration,omitempty"`
	VideoCodec     string          `json:"video_codec,omitempty"`
	VideoWidth     *int            `json:"video_width,omitempty"`
	VideoHeight    *int            `json:"video_height,omitempty"`
	TrackID        *int64          `json:"track_id,omitempty"`
	TrackConf      *float64        `json:"track_confidence,omitempty"`
	EnrichmentData json.RawMessage `json:"enrichment_data,omitempty"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// ClampConfidence enforces the [0,1] invariant from §3.
func ClampConfidence(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}

type DetectionModel struct {
	DB DBTX
}

// Create persists a Detection, clamping confidence/track_confidence.
func (m DetectionModel) Create(ctx context.Context, d *Detection) error {
	d.Confidence = ClampConfidence(d.Confidence)
	d.TrackConf = ClampConfidence(d.TrackConf)

	query := `
		INSERT INTO detections (
			camera_id, file_path, file_type, detected_at, object_type, confidence,
			bbox_x, bbox_y, bbox_width, bbox_height, thumbnail_path, media_type,
			duration, video_codec, video_width, video_height, track_id, track_confidence
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		d.CameraID, d.FilePath, d.FileType, d.DetectedAt, d.ObjectType, d.Confidence,
		d.BBoxX, d.BBoxY, d.BBoxWidth, d.BBoxHeight, d.ThumbnailPath, d.MediaType,
		d.Duration, d.VideoCodec, d.VideoWidth, d.VideoHeight, d.TrackID, d.TrackConf,
	).Scan(&d.ID)
}

// GetByID returns a single detection regardless of soft-delete state.
func (m DetectionModel) GetByID(ctx context.Context, id int64) (*Detection, error) {
	const query = `
		SELECT id, camera_id, file_path, file_type, detected_at, object_type, confidence,
		       bbox_x, bbox_y, bbox_width, bbox_height, thumbnail_path, media_type,
		       duration, video_codec, video_width, video_height, track_id, track_confidence,
		       enrichment_data, deleted_at
		FROM detections WHERE id = $1`

	var d Detection
	var enrichment []byte
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.CameraID, &d.FilePath, &d.FileType, &d.DetectedAt, &d.ObjectType, &d.Confidence,
		&d.BBoxX, &d.BBoxY, &d.BBoxWidth, &d.BBoxHeight, &d.ThumbnailPath, &d.MediaType,
		&d.Duration, &d.VideoCodec, &d.VideoWidth, &d.VideoHeight, &d.TrackID, &d.TrackConf,
		&enrichment, &d.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(enrichment) > 0 {
		d.EnrichmentData = enrichment
	}
	return &d, nil
}

// UpdateEnrichment atomically writes the enrichment map, called from the
// same transaction as the owning Event's persistence (§3: "written
// atomically when the analyzer persists an event").
func (m DetectionModel) UpdateEnrichment(ctx context.Context, id int64, enrichment json.RawMessage) error {
	const query = `UPDATE detections SET enrichment_data = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, id, []byte(enrichment))
	return err
}

// CountForCamera is the write-only-style count accessor from §4.6, never
// materializing the detection list.
func (m DetectionModel) CountForCamera(ctx context.Context, cameraID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM detections WHERE camera_id = $1 AND deleted_at IS NULL`
	var n int
	err := m.DB.QueryRowContext(ctx, query, cameraID).Scan(&n)
	return n, err
}

// SoftDeleteForCamera tombstones every live detection for a camera with a
// shared deleted_at, used by CascadeSoftDeleteService.
func (m DetectionModel) SoftDeleteForCamera(ctx context.Context, cameraID uuid.UUID, at time.Time) (int64, error) {
	const query = `UPDATE detections SET deleted_at = $2 WHERE camera_id = $1 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, cameraID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SoftDeleteByIDs tombstones a specific set of detections, used when
// cascading a single/bulk event delete (only detections not shared with
// another live event reach this call).
func (m DetectionModel) SoftDeleteByIDs(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `UPDATE detections SET deleted_at = $2 WHERE id = ANY($1) AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, pq.Array(ids), at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RestoreByIDs un-tombstones every given detection, with no window check of
// its own; restore_camera/restore_event pass only ids whose deleted_at is
// >= the parent's deleted_at.
func (m DetectionModel) RestoreByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `UPDATE detections SET deleted_at = NULL WHERE id = ANY($1)`
	res, err := m.DB.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IDsDeletedAt returns ids of a camera's detections tombstoned at or after
// `at`, used to compute restore_camera's cascade set within one transaction.
func (m DetectionModel) IDsDeletedAt(ctx context.Context, cameraID uuid.UUID, at time.Time) ([]int64, error) {
	const query = `SELECT id FROM detections WHERE camera_id = $1 AND deleted_at >= $2`
	rows, err := m.DB.QueryContext(ctx, query, cameraID, at)
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
