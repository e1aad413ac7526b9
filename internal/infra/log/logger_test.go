package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesFileWithContextFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(Options{Level: "debug", Dir: dir}))

	RequestLogger("req-1").Info("handled update", zap.Int64("chat_id", 42))
	LogDebug("debug line", zap.String("k", "v"))
	Sync()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "INFO handled update")
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"chat_id":42`)
	assert.Contains(t, out, "DEBUG debug line")
}

func TestInitRespectsLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(Options{Level: "warn", Dir: dir}))

	LogInfo("hidden")
	LogWarn("shown")
	Sync()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "WARN shown")
}

func TestGenerateRequestIDUnique(t *testing.T) {
	assert.NotEqual(t, GenerateRequestID(), GenerateRequestID())
}
