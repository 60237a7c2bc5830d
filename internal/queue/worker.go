package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/models"
)

const (
	DefaultBufferSize     = 1000
	DefaultPublishTimeout = 5 * time.Second
)

var (
	ErrBufferFull    = errors.New("queue: evidence buffer full, record dropped")
	ErrWorkerStopped = errors.New("queue: worker stopped, record dropped")
)

// Publisher is what the worker forwards records to.
type Publisher interface {
	Publish(ctx context.Context, rec models.EvidenceRecord) error
}

type WorkerConfig struct {
	BufferSize     int
	PublishTimeout time.Duration
}

// Worker moves evidence publishing off the caller's goroutine. Publish only
// enqueues; a single background goroutine forwards records to the target.
// When the buffer is full new records are dropped.
type Worker struct {
	target  Publisher
	logger  *zap.Logger
	timeout time.Duration
	ch      chan models.EvidenceRecord
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewWorker(target Publisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &Worker{
		target:  target,
		logger:  logger.Named("evidence_feed"),
		timeout: cfg.PublishTimeout,
		ch:      make(chan models.EvidenceRecord, cfg.BufferSize),
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.closed {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.processLoop()
}

// Publish implements evidence.Sink. It never blocks.
func (w *Worker) Publish(_ context.Context, rec models.EvidenceRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return ErrWorkerStopped
	}

	select {
	case w.ch <- rec:
		return nil
	default:
		w.dropped.Add(1)
		return ErrBufferFull
	}
}

// Close stops accepting records and waits until the buffered ones have been
// forwarded or ctx is done.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	running := w.running
	w.mu.Unlock()

	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("evidence feed drained",
			zap.Int64("dropped", w.dropped.Load()),
			zap.Int64("failed", w.failed.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many records were rejected because the buffer was full
// or the worker had stopped.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// Failed returns how many records the target rejected.
func (w *Worker) Failed() int64 { return w.failed.Load() }

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for rec := range w.ch {
		w.forward(rec)
	}
}

func (w *Worker) forward(rec models.EvidenceRecord) {
	// The request that produced rec may already be finished.
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.target.Publish(ctx, rec); err != nil {
		w.failed.Add(1)
		w.logger.Warn("evidence feed publish failed",
			zap.String("id", rec.ID),
			zap.String("action", rec.Action),
			zap.Error(err))
	}
}
