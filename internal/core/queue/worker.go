package queue

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/sentrycore/vms-core/internal/core/errs"
)

// AnalysisHandler is the seam AnalysisQueueWorker calls into; NemotronAnalyzer
// implements it (wired at the process boundary, not imported here, to keep
// queue free of an analyzer dependency).
type AnalysisHandler interface {
	AnalyzeWorkItem(ctx context.Context, item WorkItem) error
}

// WorkerMetrics are optional hooks a caller can wire to its metrics
// collector; nil fields are no-ops, following the XxxFunc injectable-field
// convention in internal/cameras/media_service.go's validator callback.
type WorkerMetrics struct {
	OnProcessed func(status string)
	OnRequeued  func()
	OnDropped   func(reason string)
	OnDLQ       func()
}

func (m *WorkerMetrics) processed(status string) {
	if m != nil && m.OnProcessed != nil {
		m.OnProcessed(status)
	}
}
func (m *WorkerMetrics) requeued() {
	if m != nil && m.OnRequeued != nil {
		m.OnRequeued()
	}
}
func (m *WorkerMetrics) dropped(reason string) {
	if m != nil && m.OnDropped != nil {
		m.OnDropped(reason)
	}
}
func (m *WorkerMetrics) dlq() {
	if m != nil && m.OnDLQ != nil {
		m.OnDLQ()
	}
}

// AnalysisQueueWorker dequeues analysis_queue items, hands them to the
// analyzer, and classifies errors per §7: retryable kinds are requeued
// with backoff up to RetryCap, non-retryable kinds are logged and dropped.
type AnalysisQueueWorker struct {
	Consumer       Consumer
	Handler        AnalysisHandler
	QueueName      string
	RetryCap       int
	DequeueTimeout time.Duration
	Metrics        *WorkerMetrics

	stop chan struct{}
	done chan struct{}
}

func NewAnalysisQueueWorker(consumer Consumer, handler AnalysisHandler, queueName string, retryCap int, dequeueTimeout time.Duration) *AnalysisQueueWorker {
	return &AnalysisQueueWorker{
		Consumer:       consumer,
		Handler:        handler,
		QueueName:      queueName,
		RetryCap:       retryCap,
		DequeueTimeout: dequeueTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run processes items until ctx is cancelled or Stop is called. It never
// holds an inference permit across the blocking dequeue (§5) because the
// permit is acquired inside Handler.AnalyzeWorkItem, after dequeue returns.
func (w *AnalysisQueueWorker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		item, ok, err := w.Consumer.Dequeue(ctx, w.QueueName, w.DequeueTimeout)
		if err != nil {
			log.Printf("[ERROR] analysis_queue dequeue failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			continue // dequeue timed out with nothing available; loop
		}

		w.process(ctx, item)
	}
}

func (w *AnalysisQueueWorker) process(ctx context.Context, item WorkItem) {
	err := w.Handler.AnalyzeWorkItem(ctx, item)
	if err == nil {
		w.Metrics.processed("success")
		return
	}

	ce, isCore := errs.AsCoreError(err)
	if !isCore || !ce.Retryable() {
		log.Printf("[WARN] analysis_queue dropping item batch=%s: %v", item.BatchID, err)
		w.Metrics.dropped(codeOf(ce))
		return
	}

	if item.Attempts >= w.RetryCap {
		if dlqErr := w.Consumer.MoveToDLQ(ctx, w.QueueName, item); dlqErr != nil {
			log.Printf("[ERROR] analysis_queue failed to move item to dlq batch=%s: %v", item.BatchID, dlqErr)
		}
		w.Metrics.dlq()
		return
	}

	backoff := backoffFor(item.Attempts)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
	if requeueErr := w.Consumer.Requeue(ctx, w.QueueName, item); requeueErr != nil {
		log.Printf("[ERROR] analysis_queue failed to requeue item batch=%s: %v", item.BatchID, requeueErr)
		return
	}
	w.Metrics.requeued()
}

func codeOf(ce *errs.CoreError) string {
	if ce == nil {
		return "unknown"
	}
	return ce.Code
}

// backoffFor implements bounded exponential backoff with jitter, per §9's
// "exact backoff curve is not canonicalized" note.
func backoffFor(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	return base + jitter
}

// Stop requests graceful shutdown; Run will finish its current item (up to
// its own context deadline) and exit. Per §5, an item interrupted mid-flight
// by ctx cancellation is left untouched in-process — the caller's ctx
// should carry its own drain deadline before hard-cancelling.
func (w *AnalysisQueueWorker) Stop() {
	close(w.stop)
	<-w.done
}
