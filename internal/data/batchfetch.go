package data

import (
	"context"
	"sort"

	"github.com/lib/pq"
)

// Batch-fetch bounds per §4.6: the bulk detection fetcher splits requested
// ids into batches of a bounded size, deduplicates, executes one
// containment query per batch.
const (
	DefaultBatchFetchSize = 250
	MaxBatchFetchSize     = 1000
	MinBatchFetchSize     = 1
)

// ClampBatchSize enforces [MinBatchFetchSize, MaxBatchFetchSize], defaulting
// to DefaultBatchFetchSize when size <= 0, ported from
// original_source/backend/services/batch_fetch.py's _clamp_batch_size.
func ClampBatchSize(size int) int {
	if size <= 0 {
		return DefaultBatchFetchSize
	}
	if size < MinBatchFetchSize {
		return MinBatchFetchSize
	}
	if size > MaxBatchFetchSize {
		return MaxBatchFetchSize
	}
	return size
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

// BatchFetchDetections is the N+1-safe bulk fetcher from §4.6: dedupes ids,
// splits into bounded-size chunks, executes one ANY($n) query per chunk,
// and optionally orders the combined result by detected_at ascending.
func (m DetectionModel) BatchFetchDetections(ctx context.Context, ids []int64, batchSize int, orderByDetectedAt bool) ([]*Detection, error) {
	ids = dedupeIDs(ids)
	batchSize = ClampBatchSize(batchSize)

	const query = `
		SELECT id, camera_id, file_path, file_type, detected_at, object_type, confidence,
		       bbox_x, bbox_y, bbox_width, bbox_height, thumbnail_path, media_type,
		       duration, video_codec, video_width, video_height, track_id, track_confidence,
		       enrichment_data, deleted_at
		FROM detections WHERE id = ANY($1) AND deleted_at IS NULL`

	var out []*Detection
	for _, batch := range chunk(ids, batchSize) {
		rows, err := m.DB.QueryContext(ctx, query, pq.Array(batch))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var d Detection
			var enrichment []byte
			if err := rows.Scan(
				&d.ID, &d.CameraID, &d.FilePath, &d.FileType, &d.DetectedAt, &d.ObjectType, &d.Confidence,
				&d.BBoxX, &d.BBoxY, &d.BBoxWidth, &d.BBoxHeight, &d.ThumbnailPath, &d.MediaType,
				&d.Duration, &d.VideoCodec, &d.VideoWidth, &d.VideoHeight, &d.TrackID, &d.TrackConf,
				&enrichment, &d.DeletedAt,
			); err != nil {
				rows.Close()
				return nil, err
			}
			if len(enrichment) > 0 {
				d.EnrichmentData = enrichment
			}
			out = append(out, &d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if orderByDetectedAt {
		sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	}
	return out, nil
}

// BatchFetchDetectionsMap is the id->Detection dictionary variant for
// O(1) lookup (§4.6).
func (m DetectionModel) BatchFetchDetectionsMap(ctx context.Context, ids []int64, batchSize int) (map[int64]*Detection, error) {
	rows, err := m.BatchFetchDetections(ctx, ids, batchSize, false)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*Detection, len(rows))
	for _, d := range rows {
		out[d.ID] = d
	}
	return out, nil
}

// BatchFetchFilePaths is the path-only variant, avoiding the cost of
// hydrating full Detection rows when only the file path is needed (§4.6).
func (m DetectionModel) BatchFetchFilePaths(ctx context.Context, ids []int64, batchSize int) (map[int64]string, error) {
	ids = dedupeIDs(ids)
	batchSize = ClampBatchSize(batchSize)

	const query = `SELECT id, file_path FROM detections WHERE id = ANY($1) AND deleted_at IS NULL`

	out := make(map[int64]string, len(ids))
	for _, batch := range chunk(ids, batchSize) {
		rows, err := m.DB.QueryContext(ctx, query, pq.Array(batch))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var path string
			if err := rows.Scan(&id, &path); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = path
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
