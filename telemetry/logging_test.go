package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithNodeID(WithTemplateID(WithRunID(NewLogger(&buf, "info", "json"), 7), "tmpl"), "outline")
	logger.Debug("hidden")
	logger.Info("step finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "step finished", entry["msg"])
	assert.Equal(t, float64(7), entry["run_id"])
	assert.Equal(t, "tmpl", entry["template_id"])
	assert.Equal(t, "outline", entry["node_id"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "text").Debug("visible", "k", "v")
	assert.Contains(t, buf.String(), "msg=visible")
	assert.Contains(t, buf.String(), "k=v")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json")
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
