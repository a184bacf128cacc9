package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("mxcache", "warn", &buf)

	log.Infof("hidden")
	log.Warnf("shown %d", 1)
	log.Sub("Store").Errorf("failed: %v", "boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 1")
	assert.Contains(t, out, "[mxcache/Store]")
	assert.Contains(t, out, "failed: boom")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, parseLevel("debug"))
	assert.Equal(t, LevelWarn, parseLevel("WARNING"))
	assert.Equal(t, LevelInfo, parseLevel("bogus"))
}

func TestOpenJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Open("mxcache", "info", "json", &buf)

	log.Debugf("hidden")
	log.Sub("Store").Infof("opened %s", "cache")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "opened cache", entry["message"])
}

func TestOpenText(t *testing.T) {
	_, ok := Open("mxcache", "info", "text", &bytes.Buffer{}).(*Logger)
	assert.True(t, ok)
}

func TestTextWithoutTerminalIsPlain(t *testing.T) {
	var buf bytes.Buffer
	NewWithOutput("mxcache", "info", &buf).Infof("plain")
	assert.NotContains(t, buf.String(), "\033[")
	assert.Contains(t, buf.String(), " INF [mxcache] plain\n")
}
