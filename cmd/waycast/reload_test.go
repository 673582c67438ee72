package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	waycast "github.com/doublewordai/waycast"
	"github.com/doublewordai/waycast/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBareGateway(t *testing.T) *waycast.Gateway {
	t.Helper()
	gw, err := waycast.New(context.Background(), waycast.WithLogger(testLogger()))
	require.NoError(t, err)
	return gw
}

func TestGatewaySwap_ServesAcrossSwaps(t *testing.T) {
	s := newGatewaySwap(newBareGateway(t), testLogger())
	t.Cleanup(s.close)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	s.swap(newBareGateway(t))

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewaySwap_RetiresOldOnlyWhenIdle(t *testing.T) {
	s := newGatewaySwap(newBareGateway(t), testLogger())
	t.Cleanup(s.close)

	first := s.current.Load()
	_, release := s.acquire()

	s.swap(newBareGateway(t))
	assert.False(t, first.closed.Load(), "retired gateway must outlive in-flight requests")

	release()
	assert.True(t, first.closed.Load())
}

func TestReloader_KeepsCurrentOnBuildFailure(t *testing.T) {
	s := newGatewaySwap(newBareGateway(t), testLogger())
	t.Cleanup(s.close)

	r := newReloader(testLogger(), s, func(*config.Config) (*waycast.Gateway, error) {
		return nil, errors.New("boom")
	})

	before := s.current.Load()
	r.Reload(config.DefaultConfig())
	assert.Same(t, before, s.current.Load())
}

func TestReloader_SwapsOnSuccessfulBuild(t *testing.T) {
	s := newGatewaySwap(newBareGateway(t), testLogger())
	t.Cleanup(s.close)

	r := newReloader(testLogger(), s, func(cfg *config.Config) (*waycast.Gateway, error) {
		return waycast.New(context.Background(), waycast.WithConfig(cfg), waycast.WithLogger(testLogger()))
	})

	before := s.current.Load()
	r.Reload(config.DefaultConfig())
	after := s.current.Load()
	assert.NotSame(t, before, after)
	assert.True(t, before.closed.Load(), "idle retired gateway closes at swap")
}
