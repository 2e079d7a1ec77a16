package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	planLogger := ForPlan(logger, 7, "paper", "BTC/EUR")
	planLogger.Warn().Msg("visible")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("日志不是合法 JSON: %v (%q)", err, buf.String())
	}
	if entry["plan_id"] != float64(7) || entry["venue"] != "paper" || entry["pair"] != "BTC/EUR" {
		t.Fatalf("unexpected plan fields: %v", entry)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "nonsense"}, &buf)
	logger.Debug().Msg("debug")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered by default, got %q", buf.String())
	}
	logger.Info().Msg("info")
	if buf.Len() == 0 {
		t.Fatal("info should be written by default")
	}
}
