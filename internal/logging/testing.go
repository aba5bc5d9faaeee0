// internal/logging/testing.go
package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, at every level, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger creates a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{z: zap.New(core)}, logs: logs}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.logs.All()
}

// ForJob returns the entries carrying job.id id.
func (t *TestLogger) ForJob(id int64) []observer.LoggedEntry {
	return t.logs.FilterField(zap.Int64("job.id", id)).All()
}

// Reset drops recorded entries.
func (t *TestLogger) Reset() {
	t.logs.TakeAll()
}

func (t *TestLogger) find(level zapcore.Level, msg string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged checks that an entry at level with msg in its message exists.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	return assert.NotEmpty(tb, t.find(level, msg), "no %s entry containing %q", levelName(level), msg)
}

// AssertNotLogged checks that no entry at level with msg in its message exists.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	return assert.Empty(tb, t.find(level, msg), "unexpected %s entry containing %q", levelName(level), msg)
}

// AssertField checks that some entry whose message contains msg has key set
// to want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) bool {
	tb.Helper()
	var seen []interface{}
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if v, ok := e.ContextMap()[key]; ok {
			if assert.ObjectsAreEqual(want, v) {
				return true
			}
			seen = append(seen, v)
		}
	}
	return assert.Fail(tb, "field not found", "%s=%v not on %q entries (saw %v)", key, want, msg, seen)
}
