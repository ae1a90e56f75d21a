package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mohammad-safakhou/autoresearch/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}

	Component(logger, "queue").Warn().Str("job_id", "j1").Msg("visible")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "queue" || line["job_id"] != "j1" || line["message"] != "visible" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(config.LoggingConfig{Level: "bogus"}, &buf)
	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	if !bytes.Contains(buf.Bytes(), []byte("kept")) || bytes.Contains(buf.Bytes(), []byte("dropped")) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
