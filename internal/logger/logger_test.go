package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, false, &buf)
	require.NoError(t, err)

	log.With("channel", "feishu").Info("message received", "message_id", "om_1", "error", errors.New("boom"))

	var e Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "feishu", e.Channel)
	assert.Equal(t, "message received", e.Message)
	assert.Equal(t, "om_1", e.Fields["message_id"])
	assert.Equal(t, "boom", e.Fields["error"])
}

func TestJSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "warn"}, false, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
}

func TestVerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, true, &buf)
	require.NoError(t, err)

	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, false, &buf)
	require.NoError(t, err)

	log.Info("gateway started", "port", 8080)
	assert.Contains(t, buf.String(), "gateway started")
	assert.Contains(t, buf.String(), "8080")
}

func TestInvalidSettings(t *testing.T) {
	_, err := newWithWriter(config.LoggingConfig{Format: "xml"}, false, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
