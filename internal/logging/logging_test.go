package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONFormat(t *testing.T) {
	var out bytes.Buffer
	logger := New(&out, slog.LevelInfo, FormatJSON, true)
	logger.Info("json log test", slog.String("key", "value"))

	line := out.String()
	if !strings.Contains(line, "\"msg\":\"json log test\"") {
		t.Fatalf("expected json message field, got: %s", line)
	}
	if !strings.Contains(line, "\"key\":\"value\"") {
		t.Fatalf("expected json key field, got: %s", line)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var out bytes.Buffer
	logger := New(&out, slog.LevelInfo, FormatText, true)
	logger.Info("text log test", slog.String("key", "value"), slog.Any("err", errors.New("boom")))
	logger.Debug("hidden")

	line := out.String()
	if !strings.Contains(line, "text log test") {
		t.Fatalf("expected text message, got: %s", line)
	}
	if !strings.Contains(line, "key=") {
		t.Fatalf("expected text key field, got: %s", line)
	}
	if strings.Contains(line, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", line)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLevel("WARN"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("ParseLevel(WARN)=%v,%v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Fatalf("ParseFormat(\"\")=%v,%v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
