package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	waycast "github.com/doublewordai/waycast"
	"github.com/doublewordai/waycast/internal/config"
)

// closeGrace bounds the audit drain and trace flush of a retired
// gateway.
const closeGrace = 30 * time.Second

type gatewayRef struct {
	gw      *waycast.Gateway
	logger  *slog.Logger
	refs    atomic.Int64
	closing atomic.Bool
	closed  atomic.Bool
}

func (r *gatewayRef) closeOnce() {
	if r.closed.CompareAndSwap(false, true) {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := r.gw.Close(ctx); err != nil {
			r.logger.Warn("gateway close", "error", err)
		}
	}
}

// gatewaySwap serves the current Gateway and hot-swaps it on config
// reload. A retired gateway closes once its last in-flight request,
// streams included, finishes.
type gatewaySwap struct {
	current atomic.Pointer[gatewayRef]
	logger  *slog.Logger
}

func newGatewaySwap(gw *waycast.Gateway, logger *slog.Logger) *gatewaySwap {
	s := &gatewaySwap{logger: logger}
	s.current.Store(&gatewayRef{gw: gw, logger: logger})
	return s
}

func (s *gatewaySwap) acquire() (*waycast.Gateway, func()) {
	ref := s.current.Load()
	if ref == nil {
		return nil, func() {}
	}
	ref.refs.Add(1)
	release := func() {
		if ref.refs.Add(-1) == 0 && ref.closing.Load() {
			ref.closeOnce()
		}
	}
	return ref.gw, release
}

func (s *gatewaySwap) swap(next *waycast.Gateway) {
	prev := s.current.Swap(&gatewayRef{gw: next, logger: s.logger})
	if prev == nil {
		return
	}
	prev.closing.Store(true)
	if prev.refs.Load() == 0 {
		prev.closeOnce()
	}
}

// close retires the current gateway, for process shutdown.
func (s *gatewaySwap) close() {
	ref := s.current.Load()
	if ref == nil {
		return
	}
	ref.closing.Store(true)
	if ref.refs.Load() == 0 {
		ref.closeOnce()
	}
}

func (s *gatewaySwap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw, release := s.acquire()
	if gw == nil {
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}
	defer release()
	gw.Handler().ServeHTTP(w, r)
}

// reloader rebuilds the gateway from a freshly loaded config and swaps
// it in. A failed build keeps the current gateway serving.
type reloader struct {
	logger     *slog.Logger
	swap       *gatewaySwap
	build      func(*config.Config) (*waycast.Gateway, error)
	inProgress atomic.Bool
}

func newReloader(logger *slog.Logger, swap *gatewaySwap, build func(*config.Config) (*waycast.Gateway, error)) *reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &reloader{logger: logger, swap: swap, build: build}
}

func (r *reloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("gateway reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(cfg)
	if err != nil {
		r.logger.Error("gateway rebuild failed, keeping current", "error", err)
		return
	}

	r.swap.swap(next)
	r.logger.Info("gateway reloaded",
		"deployments", len(cfg.Deployments),
		"database", cfg.Database.Enabled,
	)
}
