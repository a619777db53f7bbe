package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/sentrycore/vms-core/internal/core/analyzer"
	"github.com/sentrycore/vms-core/internal/core/batch"
	"github.com/sentrycore/vms-core/internal/core/broadcast"
	"github.com/sentrycore/vms-core/internal/core/config"
	ctxpkg "github.com/sentrycore/vms-core/internal/core/context"
	"github.com/sentrycore/vms-core/internal/core/gpu"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
	"github.com/sentrycore/vms-core/internal/core/queue"
	"github.com/sentrycore/vms-core/internal/data"
	"github.com/sentrycore/vms-core/internal/metrics"
)

const serviceName = "TS-VMS-Core-Worker"

// cameraNameResolver adapts data.CameraModel to analyzer.CameraNameResolver,
// falling back to the id's string form when the camera row is missing
// (matching the original "camera not found, using ID as name" behavior).
type cameraNameResolver struct {
	cameras data.CameraModel
}

func (r cameraNameResolver) Name(ctx context.Context, cameraID uuid.UUID) string {
	cam, err := r.cameras.GetByID(ctx, cameraID)
	if err != nil {
		return cameraID.String()
	}
	return cam.Name
}

func main() {
	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	cfgData, err := os.ReadFile("config/default.yaml")
	if err != nil {
		log.Printf("Warning: failed to read config/default.yaml, using built-in defaults: %v", err)
	}
	var fileCfg struct {
		Core config.Root `yaml:"core"`
	}
	fileCfg.Core = config.Defaults()
	if cfgData != nil {
		if err := yaml.Unmarshal(cfgData, &fileCfg); err != nil {
			log.Printf("Warning: failed to parse core config section, using defaults: %v", err)
			fileCfg.Core = config.Defaults()
		}
	}
	cfg := fileCfg.Core

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	store := kvstore.New(rdb)

	var natsConn *nats.Conn
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	natsConn, err = nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("Warning: NATS connect failed, broadcast will use Redis pub/sub only: %v", err)
		natsConn = nil
	}

	var broadcaster *broadcast.Publisher
	if natsConn != nil {
		broadcaster = broadcast.New(store, broadcast.WithNATS(natsConn, "security_events", 3))
	} else {
		broadcaster = broadcast.New(store)
	}

	detections := data.DetectionModel{DB: db}
	events := data.EventModel{DB: db}
	junction := data.EventDetectionModel{DB: db}
	cameras := data.CameraModel{DB: db}

	sem := inference.New(cfg.AI.MaxConcurrentInferences)

	gpuMonitor := gpu.NewMonitor(cfg.GPU,
		gpu.NativeSampler{},
		gpu.NewCLISampler(),
		gpu.NewContainerSampler(cfg.GPU.ContainerHealthURL),
		gpu.NewMockSampler(),
	)
	gpuMonitor.OnTransition(sem.OnPressureChange)
	gpuMonitor.Start(context.Background())

	baselines := ctxpkg.NewCachedBaselineProvider(ctxpkg.NewRedisBaselineProvider(store), 256)
	enricher := ctxpkg.NewEnricher(baselines, nil)

	a := analyzer.New(analyzer.Config{
		Events:      events,
		Detections:  detections,
		Junction:    junction,
		Semaphore:   sem,
		AI:          cfg.AI,
		Severity:    cfg.Severity,
		Enricher:    enricher,
		Broadcaster: broadcaster,
		CameraNames: cameraNameResolver{cameras: cameras},
	})

	redisQueue := queue.New(store, cfg.Queue.MaxLength)
	agg := batch.NewAggregator(store, redisQueue, a, sem, cfg.Pipeline)

	// detector.Client and softdelete.Service are exposed over HTTP by
	// cmd/server's admin API (internal/api/event_handlers.go), not
	// invoked directly by this worker's own background loops.

	worker := queue.NewAnalysisQueueWorker(redisQueue, a, cfg.Queue.AnalysisQueueName, cfg.Queue.WorkerRetryCap, cfg.Queue.DequeueTimeout())
	worker.Metrics = &queue.WorkerMetrics{
		OnProcessed: metrics.RecordAnalyzerOutcome,
		OnRequeued:  func() { metrics.RecordQueueOverflow("requeued") },
		OnDropped:   func(reason string) { metrics.RecordAnalyzerOutcome("dropped_" + reason) },
		OnDLQ:       func() { metrics.RecordAnalyzerOutcome("dlq") },
	}

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	timeoutTicker := time.NewTicker(10 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				timeoutTicker.Stop()
				return
			case <-timeoutTicker.C:
				if closed := agg.CheckBatchTimeouts(ctx); len(closed) > 0 {
					log.Printf("core-worker: closed %d timed-out batches", len(closed))
				}
			}
		}
	}()

	depthTicker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				depthTicker.Stop()
				return
			case <-depthTicker.C:
				if n, err := redisQueue.Len(ctx, cfg.Queue.AnalysisQueueName); err == nil {
					metrics.SetQueueDepth(n)
				}
				if n, err := redisQueue.DLQLen(ctx, cfg.Queue.AnalysisQueueName); err == nil {
					metrics.SetDLQDepth(n)
				}
			}
		}
	}()

	log.Printf("core-worker: started (max_concurrent_inferences=%d)", cfg.AI.MaxConcurrentInferences)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("core-worker: shutting down")
	cancel()
	worker.Stop()
	gpuMonitor.Stop()
	if natsConn != nil {
		natsConn.Close()
	}
}
