package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerAddsServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "omemostore", Environment: "test", Level: "WARN", Output: &buf})

	log.Info("dropped")
	log.Warn("kept", "account", "alice@example")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "omemostore", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "alice@example", line["account"])
}
