package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/doublewordai/waycast/internal/config"
)

func TestBuildLogger_Levels(t *testing.T) {
	ctx := context.Background()

	debug := buildLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	warn := buildLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.False(t, warn.Enabled(ctx, slog.LevelInfo))
	assert.True(t, warn.Enabled(ctx, slog.LevelWarn))

	// Unknown or empty settings fall back to info/json.
	info := buildLogger(config.LoggingConfig{Level: "chatty"})
	assert.True(t, info.Enabled(ctx, slog.LevelInfo))
	assert.False(t, info.Enabled(ctx, slog.LevelDebug))
}
