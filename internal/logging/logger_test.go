package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestOrNop_NilLogger(t *testing.T) {
	logger := OrNop(nil)
	if logger == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	// Must not panic.
	logger.Info("hello %s", "world")
}

func TestOrNop_NilPointer(t *testing.T) {
	var typed *componentLogger
	logger := OrNop(typed)
	logger.Warn("should be discarded")
}

func TestComponentLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultOutput(&buf)
	defer SetDefaultOutput(nil)
	SetDefaultLevel(LevelWarn)
	defer SetDefaultLevel(LevelInfo)

	logger := NewComponentLogger("test")
	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")
	logger.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("levels below warn should be filtered, got %q", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("warn and error should be logged, got %q", out)
	}
	if !strings.Contains(out, "[test]") {
		t.Errorf("component tag missing from %q", out)
	}
}

type countingLogger struct {
	infos int
}

func (c *countingLogger) Debug(string, ...any) {}
func (c *countingLogger) Info(string, ...any)  { c.infos++ }
func (c *countingLogger) Warn(string, ...any)  {}
func (c *countingLogger) Error(string, ...any) {}

func TestMulti_FansOut(t *testing.T) {
	a := &countingLogger{}
	b := &countingLogger{}
	logger := Multi(a, nil, b)
	logger.Info("tick")
	if a.infos != 1 || b.infos != 1 {
		t.Errorf("expected both loggers called once, got %d and %d", a.infos, b.infos)
	}
}

func TestMulti_FlattensNested(t *testing.T) {
	a := &countingLogger{}
	inner := Multi(a)
	outer := Multi(inner)
	if outer != a {
		// Single non-nil logger should collapse to itself.
		outer.Info("tick")
		if a.infos != 1 {
			t.Error("nested multi did not reach inner logger")
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("debug")
	}
	if ParseLevel("warning") != LevelWarn {
		t.Error("warning")
	}
	if ParseLevel("nonsense") != LevelInfo {
		t.Error("default should be info")
	}
}
