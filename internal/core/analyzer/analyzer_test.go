package analyzer_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrycore/vms-core/internal/core/analyzer"
	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/data"
)

type capturingBroadcaster struct {
	envs []analyzer.EventEnvelope
}

func (b *capturingBroadcaster) BroadcastEvent(_ context.Context, env analyzer.EventEnvelope) error {
	b.envs = append(b.envs, env)
	return nil
}

func testAIConfig(url string) config.AI {
	return config.AI{
		ConnectTimeoutMs:        2000,
		NemotronReadTimeoutMs:   2000,
		NemotronHealthTimeoutMs: 1000,
		NemotronMaxRetries:      2,
		NemotronMaxOutputTokens: 256,
		NemotronURL:             url,
	}
}

func testSeverity() config.Severity {
	return config.Severity{LowMax: 29, MediumMax: 59, HighMax: 84}
}

func newAnalyzer(t *testing.T, db *sql.DB, llmURL string, broadcaster analyzer.Broadcaster) *analyzer.Analyzer {
	t.Helper()
	return analyzer.New(analyzer.Config{
		Events:      data.EventModel{DB: db},
		Detections:  data.DetectionModel{DB: db},
		Junction:    data.EventDetectionModel{DB: db},
		Semaphore:   inference.New(2),
		AI:          testAIConfig(llmURL),
		Severity:    testSeverity(),
		Broadcaster: broadcaster,
	})
}

func TestAnalyzeBatch_PersistsEventFromLLMResponse(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"{\"risk_score\":70,\"risk_level\":\"high\",\"summary\":\"loitering\",\"reasoning\":\"seen twice\"}"}`))
	}))
	defer llm.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("batch-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, camera_id, file_path`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "camera_id", "file_path", "file_type", "detected_at", "object_type", "confidence",
			"bbox_x", "bbox_y", "bbox_width", "bbox_height", "thumbnail_path", "media_type",
			"duration", "video_codec", "video_width", "video_height", "track_id", "track_confidence",
			"enrichment_data", "deleted_at",
		}).AddRow(int64(1), cameraID, "/f.jpg", "jpg", now, "person", 0.9,
			nil, nil, nil, nil, "", "image", nil, "", nil, nil, nil, nil, nil, nil))
	mock.ExpectQuery(`INSERT INTO events`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectExec(`INSERT INTO event_detections`).WillReturnResult(sqlmock.NewResult(0, 1))

	broadcaster := &capturingBroadcaster{}
	a := newAnalyzer(t, db, llm.URL, broadcaster)

	event, err := a.AnalyzeBatch(context.Background(), "batch-1", cameraID, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 70, event.RiskScore)
	assert.Equal(t, "high", event.RiskLevel)
	require.Len(t, broadcaster.envs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeBatch_IdempotentOnExistingBatchID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("batch-existing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "camera_id", "started_at", "ended_at", "risk_score", "risk_level",
			"summary", "reasoning", "reviewed", "is_fast_path", "llm_prompt", "deleted_at",
		}).AddRow(int64(5), "batch-existing", cameraID, now, now, 10, "low", "s", "r", false, false, "", nil))

	a := newAnalyzer(t, db, "http://unused", &capturingBroadcaster{})
	event, err := a.AnalyzeBatch(context.Background(), "batch-existing", cameraID, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeBatch_NoDetectionIDsReturnsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("empty-batch").
		WillReturnError(sql.ErrNoRows)

	a := newAnalyzer(t, db, "http://unused", &capturingBroadcaster{})
	_, err = a.AnalyzeBatch(context.Background(), "empty-batch", uuid.New(), nil)
	assert.Error(t, err)
}

func TestAnalyzeBatch_LLMFailureFallsBackAndStillPersists(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer llm.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("batch-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, camera_id, file_path`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "camera_id", "file_path", "file_type", "detected_at", "object_type", "confidence",
			"bbox_x", "bbox_y", "bbox_width", "bbox_height", "thumbnail_path", "media_type",
			"duration", "video_codec", "video_width", "video_height", "track_id", "track_confidence",
			"enrichment_data", "deleted_at",
		}).AddRow(int64(2), cameraID, "/f.jpg", "jpg", now, "car", 0.8,
			nil, nil, nil, nil, "", "image", nil, "", nil, nil, nil, nil, nil, nil))
	mock.ExpectQuery(`INSERT INTO events`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectExec(`INSERT INTO event_detections`).WillReturnResult(sqlmock.NewResult(0, 1))

	a := newAnalyzer(t, db, llm.URL, &capturingBroadcaster{})
	event, err := a.AnalyzeBatch(context.Background(), "batch-2", cameraID, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 50, event.RiskScore)
	assert.Equal(t, "medium", event.RiskLevel)
}

func TestAnalyzeDetectionFastPath_SetsFastPathBatchID(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer llm.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("fast_path_9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, camera_id, file_path`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "camera_id", "file_path", "file_type", "detected_at", "object_type", "confidence",
			"bbox_x", "bbox_y", "bbox_width", "bbox_height", "thumbnail_path", "media_type",
			"duration", "video_codec", "video_width", "video_height", "track_id", "track_confidence",
			"enrichment_data", "deleted_at",
		}).AddRow(int64(9), cameraID, "/f.jpg", "jpg", now, "person", 0.95,
			nil, nil, nil, nil, "", "image", nil, "", nil, nil, nil, nil, nil, nil))
	mock.ExpectQuery(`INSERT INTO events`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(102)))
	mock.ExpectExec(`INSERT INTO event_detections`).WillReturnResult(sqlmock.NewResult(0, 1))

	a := newAnalyzer(t, db, llm.URL, &capturingBroadcaster{})
	a.AnalyzeDetectionFastPath(context.Background(), cameraID.String(), 9)

	// AnalyzeDetectionFastPath logs and swallows errors; the sqlmock
	// expectations being met is the only observable assertion available
	// from outside the package.
	assert.NoError(t, mock.ExpectationsWereMet())
}
