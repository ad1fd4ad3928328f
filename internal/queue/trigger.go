package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Trigger requests a dispatch for a queue key. Implementations are
// fire-and-forget and must tolerate redundant triggers for the same key:
// the claim in ProcessNext turns duplicates into no-ops. The interface keeps
// the trigger mechanism swappable between an in-process call, a channel send
// and a distributed queue publish without touching the state machine.
type Trigger interface {
	Dispatch(ctx context.Context, key Key)
}

// DispatchQueue is a channel-backed Trigger consumed by a Worker. A full
// buffer drops the trigger rather than blocking the caller; the dropped
// dispatch is recovered by the stall sweep.
type DispatchQueue struct {
	ch chan Key
}

// NewDispatchQueue creates a dispatch queue with the given buffer size.
func NewDispatchQueue(size int) *DispatchQueue {
	if size <= 0 {
		size = 64
	}
	return &DispatchQueue{ch: make(chan Key, size)}
}

// Dispatch publishes a dispatch request for the key.
func (q *DispatchQueue) Dispatch(_ context.Context, key Key) {
	select {
	case q.ch <- key:
	default:
		recordTriggerDropped()
		slog.Warn("dispatch queue full, trigger dropped",
			"recipient_id", key.RecipientID,
			"queue", key.QueueName,
		)
	}
}

// Worker consumes dispatch triggers and drives ProcessNext.
type Worker struct {
	queue      *DispatchQueue
	service    *Service
	numWorkers int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a dispatch worker. numWorkers goroutines may process
// triggers concurrently; per-key safety comes from the store's atomic claim,
// not from partitioning keys across workers.
func NewWorker(queue *DispatchQueue, service *Service, numWorkers int) *Worker {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Worker{
		queue:      queue,
		service:    service,
		numWorkers: numWorkers,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting dispatch worker", "workers", w.numWorkers)

	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("dispatch worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case key := <-w.queue.ch:
			if err := w.service.ProcessNext(ctx, key); err != nil {
				slog.Error("dispatch failed",
					"recipient_id", key.RecipientID,
					"queue", key.QueueName,
					"error", err,
				)
			}
		}
	}
}
