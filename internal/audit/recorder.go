package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublewordai/waycast/internal/config"
)

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 5 * time.Second
)

// Recorder buffers records on a bounded channel and fans them out to
// sinks from a single worker. Record never blocks; when the buffer is
// full the record is dropped and counted.
type Recorder struct {
	ch          chan *Record
	sinks       []Sink
	sinkTimeout time.Duration
	logger      *slog.Logger

	dropped    atomic.Uint64
	quit       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// NewRecorder starts the fan-out worker. Sinks are written in the order
// given; a failing sink is logged and skipped, never retried.
func NewRecorder(cfg config.AuditConfig, logger *slog.Logger, sinks ...Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	r := &Recorder{
		ch:          make(chan *Record, cfg.BufferSize),
		sinks:       sinks,
		sinkTimeout: cfg.SinkTimeout,
		logger:      logger,
		quit:        make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
	go r.worker()
	return r
}

// Record enqueues rec for delivery. It returns immediately; a full
// buffer drops the record.
func (r *Recorder) Record(rec *Record) {
	if rec == nil {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded because the buffer
// was full. Exposed as waycast_audit_dropped_total.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops the worker, drains whatever is buffered, and closes the
// sinks. The context bounds the whole drain; records still queued when
// it expires are lost.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.quit) })

	select {
	case <-r.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("audit sink close failed", "sink", s.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Recorder) worker() {
	defer close(r.workerDone)
	for {
		select {
		case rec := <-r.ch:
			r.dispatch(rec)
		case <-r.quit:
			for {
				select {
				case rec := <-r.ch:
					r.dispatch(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) dispatch(rec *Record) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
		if err := s.Write(ctx, rec); err != nil {
			r.logger.Warn("audit sink write failed",
				"sink", s.Name(), "request_id", rec.RequestID, "error", err)
		}
		cancel()
	}
}
