package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogging() {
	CloseAll()
	CloseAudit()
	optsMu.Lock()
	opts = Options{}
	optsMu.Unlock()
}

func TestInitializeProductionModeIsNoop(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: false}))

	// No logs directory should be created
	_, err := os.Stat(filepath.Join(dir, "logs"))
	assert.True(t, os.IsNotExist(err))

	// Logging calls must not panic
	Cycle("should be a no-op")
	Get(CategoryStore).Error("also a no-op")
}

func TestDebugModeWritesCategoryFile(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))

	Training("claimed %d pairs", 15)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "training") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			require.NoError(t, err)
			assert.Contains(t, string(data), "claimed 15 pairs")
		}
	}
	assert.True(t, found, "expected a training log file")
}

func TestCategoryFilter(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"cycle": false},
	}))

	assert.False(t, IsCategoryEnabled(CategoryCycle))
	assert.True(t, IsCategoryEnabled(CategoryTraining))
}

func TestAuditLogWritesJSONLines(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "info"}))
	require.NoError(t, InitAudit())

	AuditSuccess(AuditTrainingStarted, "user-1", "export created")
	AuditFailure(AuditTrainingFailed, "user-1", assert.AnError)
	CloseAudit()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)

	var lines []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			require.NoError(t, err)
			lines = strings.Split(strings.TrimSpace(string(data)), "\n")
		}
	}
	require.Len(t, lines, 2)

	var ev AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, AuditTrainingStarted, ev.EventType)
	assert.Equal(t, "user-1", ev.UserID)
	assert.True(t, ev.Success)
	assert.NotZero(t, ev.Timestamp)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.False(t, ev.Success)
	assert.NotEmpty(t, ev.Error)
}

func TestLevelFiltering(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "warn"}))

	l := Get(CategoryLoop)
	l.Info("filtered out")
	l.Warn("kept")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	for _, e := range entries {
		if strings.Contains(e.Name(), "loop") {
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			require.NoError(t, err)
			assert.NotContains(t, string(data), "filtered out")
			assert.Contains(t, string(data), "kept")
		}
	}
}
