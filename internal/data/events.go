package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Event is a persisted risk-scored analysis result (§3). batch_id is the
// idempotency key: at most one live Event exists per batch_id.
type Event struct {
	ID          int64      `json:"id"`
	BatchID     string     `json:"batch_id"`
	CameraID    uuid.UUID  `json:"camera_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	RiskScore   int        `json:"risk_score"`
	RiskLevel   string     `json:"risk_level"`
	Summary     string     `json:"summary"`
	Reasoning   string     `json:"reasoning"`
	Reviewed    bool       `json:"reviewed"`
	IsFastPath  bool       `json:"is_fast_path"`
	LLMPrompt   string     `json:"llm_prompt,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// ClampRiskScore enforces the [0,100] invariant from §3/§8.
func ClampRiskScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

type EventModel struct {
	DB DBTX
}

// GetByBatchID implements the idempotency check in analyze_batch (§4.2):
// if an event already exists for batch_id, the caller returns it without
// re-running the LLM.
func (m EventModel) GetByBatchID(ctx context.Context, batchID string) (*Event, error) {
	const query = `
		SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
		       summary, reasoning, reviewed, is_fast_path, llm_prompt, deleted_at
		FROM events WHERE batch_id = $1 AND deleted_at IS NULL`

	var e Event
	err := m.DB.QueryRowContext(ctx, query, batchID).Scan(
		&e.ID, &e.BatchID, &e.CameraID, &e.StartedAt, &e.EndedAt, &e.RiskScore, &e.RiskLevel,
		&e.Summary, &e.Reasoning, &e.Reviewed, &e.IsFastPath, &e.LLMPrompt, &e.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return &e, err
}

// GetByID returns a single event regardless of soft-delete state, needed
// by CascadeSoftDeleteService's VALUE_ERROR-on-missing check.
func (m EventModel) GetByID(ctx context.Context, id int64) (*Event, error) {
	const query = `
		SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
		       summary, reasoning, reviewed, is_fast_path, llm_prompt, deleted_at
		FROM events WHERE id = $1`

	var e Event
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.BatchID, &e.CameraID, &e.StartedAt, &e.EndedAt, &e.RiskScore, &e.RiskLevel,
		&e.Summary, &e.Reasoning, &e.Reviewed, &e.IsFastPath, &e.LLMPrompt, &e.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return &e, err
}

// Create persists a new Event, clamping risk_score. The caller is
// responsible for the batch_id idempotency check happening first.
func (m EventModel) Create(ctx context.Context, e *Event) error {
	e.RiskScore = ClampRiskScore(e.RiskScore)

	const query = `
		INSERT INTO events (
			batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
			summary, reasoning, is_fast_path, llm_prompt
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		e.BatchID, e.CameraID, e.StartedAt, e.EndedAt, e.RiskScore, e.RiskLevel,
		e.Summary, e.Reasoning, e.IsFastPath, e.LLMPrompt,
	).Scan(&e.ID)
}

// SoftDelete tombstones a single event.
func (m EventModel) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE events SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, id, at)
	return err
}

// SoftDeleteForCamera tombstones every live event for a camera, used by
// soft_delete_camera's cascade step.
func (m EventModel) SoftDeleteForCamera(ctx context.Context, cameraID uuid.UUID, at time.Time) (int64, error) {
	const query = `UPDATE events SET deleted_at = $2 WHERE camera_id = $1 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, cameraID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RestoreForCameraWindow restores events tombstoned at/after `at`, the
// same-transaction cascade window restore_camera uses.
func (m EventModel) RestoreForCameraWindow(ctx context.Context, cameraID uuid.UUID, at time.Time) (int64, error) {
	const query = `UPDATE events SET deleted_at = NULL WHERE camera_id = $1 AND deleted_at >= $2`
	res, err := m.DB.ExecContext(ctx, query, cameraID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Restore un-tombstones a single event.
func (m EventModel) Restore(ctx context.Context, id int64) error {
	const query = `UPDATE events SET deleted_at = NULL WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// MarkReviewed flips the reviewed flag; the only permitted metadata
// mutation on an otherwise-immutable Event (§3).
func (m EventModel) MarkReviewed(ctx context.Context, id int64, reviewed bool) error {
	const query = `UPDATE events SET reviewed = $2 WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id, reviewed)
	return err
}

// ListByCamera returns live events for a camera, most recent first, for
// the admin events API.
func (m EventModel) ListByCamera(ctx context.Context, cameraID uuid.UUID, limit int) ([]*Event, error) {
	const query = `
		SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level,
		       summary, reasoning, reviewed, is_fast_path, llm_prompt, deleted_at
		FROM events WHERE camera_id = $1 AND deleted_at IS NULL
		ORDER BY started_at DESC LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.BatchID, &e.CameraID, &e.StartedAt, &e.EndedAt, &e.RiskScore, &e.RiskLevel,
			&e.Summary, &e.Reasoning, &e.Reviewed, &e.IsFastPath, &e.LLMPrompt, &e.DeletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
