package softdelete_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrycore/vms-core/internal/core/softdelete"
)

func TestSoftDeleteCamera_NonCascade(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT deleted_at FROM cameras WHERE id = \$1`).
		WithArgs(cameraID).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	mock.ExpectExec(`UPDATE cameras SET deleted_at`).
		WithArgs(cameraID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := softdelete.New(db)
	result, err := svc.SoftDeleteCamera(context.Background(), cameraID, false)
	require.NoError(t, err)
	assert.True(t, result.ParentDeleted)
	assert.Equal(t, int64(0), result.EventsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteCamera_AlreadyDeletedIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT deleted_at FROM cameras WHERE id = \$1`).
		WithArgs(cameraID).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(time.Now()))

	svc := softdelete.New(db)
	result, err := svc.SoftDeleteCamera(context.Background(), cameraID, false)
	require.NoError(t, err)
	assert.False(t, result.ParentDeleted)
}

func TestSoftDeleteCamera_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT deleted_at FROM cameras WHERE id = \$1`).
		WithArgs(cameraID).
		WillReturnError(sql.ErrNoRows)

	svc := softdelete.New(db)
	_, err = svc.SoftDeleteCamera(context.Background(), cameraID, false)
	assert.Error(t, err)
}

func TestSoftDeleteEvent_CascadePreservesSharedDetection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	eventID := int64(1)
	cameraID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs(eventID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "camera_id", "started_at", "ended_at", "risk_score", "risk_level",
			"summary", "reasoning", "reviewed", "is_fast_path", "llm_prompt", "deleted_at",
		}).AddRow(eventID, "batch-1", cameraID, now, now, 40, "medium", "s", "r", false, false, "", nil))

	mock.ExpectQuery(`SELECT detection_id FROM event_detections WHERE event_id = \$1`).
		WithArgs(eventID).
		WillReturnRows(sqlmock.NewRows([]string{"detection_id"}).AddRow(int64(10)).AddRow(int64(11)))

	// detection 10 is orphaned (no other live event), 11 is still shared
	// and must survive the cascade.
	mock.ExpectQuery(`SELECT ed.detection_id, COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"detection_id", "count"}).AddRow(int64(11), 1))

	mock.ExpectExec(`UPDATE detections SET deleted_at = \$2 WHERE id = ANY\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE events SET deleted_at`).
		WithArgs(eventID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := softdelete.New(db)
	result, err := svc.SoftDeleteEvent(context.Background(), eventID, true)
	require.NoError(t, err)
	assert.True(t, result.ParentDeleted)
	assert.Equal(t, int64(1), result.DetectionsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}
