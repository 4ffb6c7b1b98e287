package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("whatever"))
}

func TestLogger_FiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: LevelWarn, Output: &buf}).With("test")

	log.Debug("should not appear")
	log.Info("should not appear either")
	require.Empty(t, buf.String())

	log.Warn("danger: %s", "disk full")
	assert.Contains(t, buf.String(), "danger: disk full")
	assert.Contains(t, buf.String(), "subsystem=test")
}

func TestLogger_ErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: LevelDebug, Output: &buf}).With("artifact")

	log.Error(errors.New("digest mismatch"), "verify failed for %s", "nucleus-2.0.0")

	out := buf.String()
	assert.Contains(t, out, "digest mismatch")
	assert.Contains(t, out, "verify failed for nucleus-2.0.0")
}

func TestLogger_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: LevelInfo, Output: &buf, JSON: true}).With("status")
	log.Info("tick")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}

func TestErrorCodePath(t *testing.T) {
	got := ErrorCodePath("DEPLOYMENT_FAILURE", "ARTIFACT_DOWNLOAD_ERROR", "S3_ACCESS_DENIED")
	assert.Equal(t, "DEPLOYMENT_FAILURE.ARTIFACT_DOWNLOAD_ERROR.S3_ACCESS_DENIED", got)
}
