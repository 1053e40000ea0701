package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel("INFO")
		SetFormat("text")
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel("warn")

	Debug("debug %d", 1)
	Info("info %d", 2)
	Warn("warn %d", 3)
	Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
}

func TestUnknownLevelKeepsCurrent(t *testing.T) {
	buf := capture(t)
	SetLevel("ERROR")
	SetLevel("chatty")

	Warn("hidden")
	assert.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t)
	SetFormat("JSON")

	Info("flushed %d changes", 3)

	var line struct {
		Time    string `json:"time"`
		Level   string `json:"level"`
		Message string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "INFO", line.Level)
	assert.Equal(t, "flushed 3 changes", line.Message)
	assert.NotEmpty(t, line.Time)
}

func TestOpenOutput(t *testing.T) {
	w, closer, err := OpenOutput("stderr")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, closer())

	w, _, err = OpenOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w, "logs stay off stdout unless asked for")

	w, _, err = OpenOutput("STDOUT")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)

	path := filepath.Join(t.TempDir(), "dirmeta.log")
	w, closer, err = OpenOutput(path)
	require.NoError(t, err)

	SetOutput(w)
	t.Cleanup(func() { SetOutput(os.Stderr) })
	Info("to file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(data)), "to file"))

	_, _, err = OpenOutput(filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	assert.Error(t, err)
}
