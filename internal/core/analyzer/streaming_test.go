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
)

func drainStream(ch <-chan analyzer.StreamEvent, timeout time.Duration) []analyzer.StreamEvent {
	var events []analyzer.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestAnalyzeBatchStreaming_EmitsProgressThenComplete(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"content\":\"{\\\"risk_score\\\":\"}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte("data: {\"content\":\"65,\\\"risk_level\\\":\\\"medium\\\",\\\"summary\\\":\\\"ok\\\",\\\"reasoning\\\":\\\"ok\\\"}\"}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer llm.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("stream-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, camera_id, file_path`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "camera_id", "file_path", "file_type", "detected_at", "object_type", "confidence",
			"bbox_x", "bbox_y", "bbox_width", "bbox_height", "thumbnail_path", "media_type",
			"duration", "video_codec", "video_width", "video_height", "track_id", "track_confidence",
			"enrichment_data", "deleted_at",
		}).AddRow(int64(1), cameraID, "/f.jpg", "jpg", now, "person", 0.9,
			nil, nil, nil, nil, "", "image", nil, "", nil, nil, nil, nil, nil, nil))
	mock.ExpectQuery(`INSERT INTO events`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(200)))
	mock.ExpectExec(`INSERT INTO event_detections`).WillReturnResult(sqlmock.NewResult(0, 1))

	a := newAnalyzer(t, db, llm.URL, &capturingBroadcaster{})
	ch := a.AnalyzeBatchStreaming(context.Background(), "stream-1", cameraID, []int64{1})
	events := drainStream(ch, 2*time.Second)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, analyzer.StreamComplete, last.Type)
	assert.Equal(t, 65, last.Complete.RiskScore)
	assert.Equal(t, "medium", last.Complete.RiskLevel)

	var sawProgress bool
	for _, ev := range events[:len(events)-1] {
		if ev.Type == analyzer.StreamProgress {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress)
}

func TestAnalyzeBatchStreaming_NoDetectionsEmitsBatchNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs("stream-empty").
		WillReturnError(sql.ErrNoRows)

	a := newAnalyzer(t, db, "http://unused", &capturingBroadcaster{})
	ch := a.AnalyzeBatchStreaming(context.Background(), "stream-empty", uuid.New(), nil)
	events := drainStream(ch, time.Second)

	require.Len(t, events, 1)
	assert.Equal(t, analyzer.StreamError, events[0].Type)
	assert.Equal(t, "BATCH_NOT_FOUND", events[0].Error.ErrorCode)
}
