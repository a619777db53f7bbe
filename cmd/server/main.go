package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/sentrycore/vms-core/internal/api"
	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/detector"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/core/softdelete"
	"github.com/sentrycore/vms-core/internal/data"
)

// cmd/server is the admin HTTP surface over the CORE analysis pipeline:
// querying/soft-deleting events (§4.8) and triggering detector ingestion
// (§4.4) for callers that already wrote a frame to disk. It does not
// implement authentication, camera provisioning, or any other VMS-product
// surface — those are declared out of scope by §1's Non-goals and have no
// SPEC_FULL.md component of their own.
func main() {
	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	var fileCfg struct {
		Core config.Root `yaml:"core"`
	}
	fileCfg.Core = config.Defaults()
	if cfgData, err := os.ReadFile("config/default.yaml"); err == nil {
		if err := yaml.Unmarshal(cfgData, &fileCfg); err != nil {
			log.Printf("Warning: failed to parse core config section, using defaults: %v", err)
			fileCfg.Core = config.Defaults()
		}
	}
	cfg := fileCfg.Core

	detections := data.DetectionModel{DB: db}
	events := data.EventModel{DB: db}
	sem := inference.New(cfg.AI.MaxConcurrentInferences)
	detectorClient := detector.New(cfg.AI, sem, detections, nil)
	softdeleteSvc := softdelete.New(db)

	eventHandler := api.NewEventHandler(events, softdeleteSvc, detectorClient)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/cameras/{id}/events", eventHandler.ListForCamera)
	mux.HandleFunc("GET /api/v1/events/{id}", eventHandler.Get)
	mux.HandleFunc("DELETE /api/v1/events/{id}", eventHandler.Delete)
	mux.HandleFunc("POST /api/v1/events/{id}/restore", eventHandler.Restore)
	mux.HandleFunc("POST /api/v1/events/bulk-delete", eventHandler.BulkDelete)
	mux.HandleFunc("POST /api/v1/cameras/{id}/cascade-delete", eventHandler.CascadeDeleteCamera)
	mux.HandleFunc("POST /api/v1/cameras/{id}/cascade-restore", eventHandler.CascadeRestoreCamera)
	mux.HandleFunc("POST /api/v1/detections/ingest", eventHandler.IngestDetections)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("core-server: starting on :%s", port)
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("core-server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("core-server: graceful shutdown error: %v", err)
	}
}
