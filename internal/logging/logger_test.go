package logging

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput captures stdout (via the log package) and stderr during f.
func captureOutput(f func()) (stdout, stderr string) {
	oldLogWriter := log.Writer()
	defer log.SetOutput(oldLogWriter)

	var stdoutBuf bytes.Buffer
	log.SetOutput(&stdoutBuf)

	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = oldStderr
	var stderrBuf bytes.Buffer
	io.Copy(&stderrBuf, r)

	return stdoutBuf.String(), stderrBuf.String()
}

// resetGlobalLogger resets global state for test isolation.
func resetGlobalLogger() {
	globalLogger = nil
	initOnce = sync.Once{}
	packageLogMutex.Lock()
	packageLogLevels = make(map[string]LogLevel)
	packageLogMutex.Unlock()
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel LogLevel
	}{
		{"debug level", "debug", DEBUG},
		{"info level", "info", INFO},
		{"warn level", "warn", WARN},
		{"error level", "error", ERROR},
		{"fatal level", "fatal", FATAL},
		{"uppercase", "DEBUG", DEBUG},
		{"mixed case", "WaRn", WARN},
		{"unknown falls back to info", "verbose", INFO},
		{"empty falls back to info", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobalLogger()
			require.NoError(t, Initialize(tt.level))
			assert.Equal(t, tt.wantLevel, globalLogger.level)
		})
	}
}

func TestInitializeRejectsBadPackageLevel(t *testing.T) {
	resetGlobalLogger()
	err := Initialize("info", map[string]string{"engine": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestGetLoggerLazyInit(t *testing.T) {
	resetGlobalLogger()
	logger := GetLogger("engine")
	require.NotNil(t, logger)
	assert.Equal(t, "engine", logger.name)
	assert.Equal(t, INFO, logger.level)
}

func TestLevelFiltering(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("warn"))
	logger := GetLogger("engine")

	stdout, stderr := captureOutput(func() {
		logger.Debug("not shown")
		logger.Info("not shown either")
		logger.Warn("shown")
		logger.Error("also shown")
	})

	assert.NotContains(t, stdout, "not shown")
	assert.Contains(t, stdout, "shown")
	assert.Contains(t, stderr, "also shown")
}

func TestPackageLevelOverrides(t *testing.T) {
	tests := []struct {
		name       string
		overrides  map[string]string
		loggerName string
		wantLevel  LogLevel
	}{
		{"exact match", map[string]string{"engine": "debug"}, "engine", DEBUG},
		{"wildcard match", map[string]string{"timeql.*": "warn"}, "timeql.cache", WARN},
		{"wildcard does not match bare prefix", map[string]string{"timeql.*": "warn"}, "timeql", LogLevel(-1)},
		{"exact beats wildcard", map[string]string{"timeql.*": "warn", "timeql.cache": "debug"}, "timeql.cache", DEBUG},
		{"longest pattern wins", map[string]string{"a.*": "warn", "a.b.*": "debug"}, "a.b.c", DEBUG},
		{"no match", map[string]string{"engine": "debug"}, "bus", LogLevel(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobalLogger()
			require.NoError(t, SetPackageLogLevels(tt.overrides))
			assert.Equal(t, tt.wantLevel, GetPackageLogLevel(tt.loggerName))
		})
	}
}

func TestPackageOverrideControlsOutput(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info", map[string]string{"graph": "debug"}))

	stdout, _ := captureOutput(func() {
		GetLogger("graph").Debug("graph debug line")
		GetLogger("engine").Debug("engine debug line")
	})

	assert.Contains(t, stdout, "graph debug line")
	assert.NotContains(t, stdout, "engine debug line")
}

func TestFieldsRenderSorted(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))
	logger := GetLogger("timeql")

	stdout, _ := captureOutput(func() {
		logger.InfoWithFields("query executed",
			Field("tenant", "acme"),
			Field("elapsed_ms", 12),
			Field("statement", "timeline"),
		)
	})

	assert.Contains(t, stdout, "query executed | elapsed_ms=12 statement=timeline tenant=acme")
}

func TestWithFieldImmutability(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))

	base := GetLogger("engine")
	child := base.WithField("tenant", "acme")
	grandchild := child.WithField("query_id", "q1")

	assert.Empty(t, base.fields)
	assert.Len(t, child.fields, 1)
	assert.Len(t, grandchild.fields, 2)
	assert.Equal(t, "acme", grandchild.fields["tenant"])
}

func TestWithContextExtractsTraceFields(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))

	ctx := context.WithValue(context.Background(), TraceIDKey(), "trace-123")
	ctx = context.WithValue(ctx, SpanIDKey(), "span-456")
	logger := GetLogger("engine").WithContext(ctx)

	stdout, _ := captureOutput(func() {
		logger.Info("chain traced")
	})

	assert.Contains(t, stdout, "span_id=span-456")
	assert.Contains(t, stdout, "trace_id=trace-123")
}

func TestCallFieldsWinOverPersistentFields(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))
	logger := GetLogger("engine").WithField("phase", "ingest")

	stdout, _ := captureOutput(func() {
		logger.InfoWithFields("done", Field("phase", "evict"))
	})

	assert.Contains(t, stdout, "phase=evict")
	assert.NotContains(t, stdout, "phase=ingest")
}

func TestErrorWithErr(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))
	logger := GetLogger("storage")

	_, stderr := captureOutput(func() {
		logger.ErrorWithErr("append failed", os.ErrClosed)
	})

	assert.Contains(t, stderr, "append failed")
	assert.Contains(t, stderr, "file already closed")
}

func TestFatalUsesExitFunc(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))

	exitCode := -1
	oldExit := exitFunc
	exitFunc = func(code int) { exitCode = code }
	defer func() { exitFunc = oldExit }()

	_, stderr := captureOutput(func() {
		GetLogger("engine").Fatal("cannot start")
	})

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr, "cannot start")
}

func TestTimestampOverride(t *testing.T) {
	t.Setenv("LOG_TIMESTAMP", "2024-01-01T00:00:00Z")
	assert.Equal(t, "2024-01-01T00:00:00Z", GetTimestamp())
}

func TestWithNameDropsFields(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))

	logger := GetLogger("engine").WithField("tenant", "acme").WithName("engine.evict")
	assert.Equal(t, "engine.evict", logger.name)
	assert.Empty(t, logger.fields)
}

func TestFormatArgs(t *testing.T) {
	resetGlobalLogger()
	require.NoError(t, Initialize("info"))

	stdout, _ := captureOutput(func() {
		GetLogger("storage").Info("replayed %d events from %s", 42, "events.jsonl")
	})

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "replayed 42 events from events.jsonl")
}
