package api_test

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/api"
	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/detector"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/core/softdelete"
	"github.com/sentrycore/vms-core/internal/data"
)

func TestEventHandler_ListForCamera(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cameraID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs(cameraID, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "camera_id", "started_at", "ended_at", "risk_score", "risk_level",
			"summary", "reasoning", "reviewed", "is_fast_path", "llm_prompt", "deleted_at",
		}).AddRow(int64(1), "b1", cameraID, now, now, 40, "medium", "s", "r", false, false, "", nil))

	h := api.NewEventHandler(data.EventModel{DB: db}, softdelete.New(db), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/"+cameraID.String()+"/events", nil)
	req.SetPathValue("id", cameraID.String())
	rr := httptest.NewRecorder()

	h.ListForCamera(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d. body: %s", rr.Code, rr.Body.String())
	}
}

func TestEventHandler_ListForCamera_InvalidCameraID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	h := api.NewEventHandler(data.EventModel{DB: db}, softdelete.New(db), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/not-a-uuid/events", nil)
	req.SetPathValue("id", "not-a-uuid")
	rr := httptest.NewRecorder()

	h.ListForCamera(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestEventHandler_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	h := api.NewEventHandler(data.EventModel{DB: db}, softdelete.New(db), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/42", nil)
	req.SetPathValue("id", "42")
	rr := httptest.NewRecorder()

	h.Get(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestEventHandler_Delete_NonCascade(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, batch_id, camera_id, started_at, ended_at, risk_score, risk_level`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "camera_id", "started_at", "ended_at", "risk_score", "risk_level",
			"summary", "reasoning", "reviewed", "is_fast_path", "llm_prompt", "deleted_at",
		}).AddRow(int64(7), "b1", uuid.New(), now, now, 40, "medium", "s", "r", false, false, "", nil))
	mock.ExpectExec(`UPDATE events SET deleted_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h := api.NewEventHandler(data.EventModel{DB: db}, softdelete.New(db), nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/events/7", nil)
	req.SetPathValue("id", "7")
	rr := httptest.NewRecorder()

	h.Delete(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d. body: %s", rr.Code, rr.Body.String())
	}
}

func TestEventHandler_IngestDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"detections":[{"object_type":"person","confidence":0.9,"bbox_x":0,"bbox_y":0,"bbox_width":1,"bbox_height":1}]}`))
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(`INSERT INTO detections`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	f, err := os.CreateTemp(t.TempDir(), "frame-*.jpg")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	f.WriteString("not-a-real-jpeg-but-non-empty")
	f.Close()

	cfg := config.AI{
		ConnectTimeoutMs:        2000,
		DetectorReadTimeoutMs:   2000,
		DetectorMaxRetries:      3,
		DetectorConfidenceFloor: 0.5,
		DetectorURL:             srv.URL,
	}
	det := detector.New(cfg, inference.New(2), data.DetectionModel{DB: db}, nil)
	h := api.NewEventHandler(data.EventModel{DB: db}, softdelete.New(db), det)

	body := `{"image_path":"` + f.Name() + `","camera_id":"` + uuid.New().String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections/ingest", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	h.IngestDetections(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d. body: %s", rr.Code, rr.Body.String())
	}
}
