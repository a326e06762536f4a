package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")

	Setup("error", "console")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", zerolog.GlobalLevel())
	}
	if Log == nil {
		t.Fatal("expected Log to be initialized")
	}
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	Log.Info("attention step",
		"batch", 4,
		"type", "dot",
		"strict", true,
		"err", errors.New("boom"),
	)

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if got["message"] != "attention step" {
		t.Errorf("message = %v", got["message"])
	}
	if got["batch"] != float64(4) {
		t.Errorf("batch = %v", got["batch"])
	}
	if got["type"] != "dot" {
		t.Errorf("type = %v", got["type"])
	}
	if got["strict"] != true {
		t.Errorf("strict = %v", got["strict"])
	}
	if got["err"] != "boom" {
		t.Errorf("err = %v", got["err"])
	}
}

func TestOddArgsAndNonStringKeys(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	Log.Info("odd", 7, "seven", "orphan_key")

	out := buf.String()
	if !strings.Contains(out, `"7":"seven"`) {
		t.Errorf("expected non-string key to be stringified, got %s", out)
	}
	if strings.Contains(out, "orphan_key") {
		t.Errorf("expected orphan key to be dropped, got %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	Log.Debug("hidden")
	Log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug and info to be filtered, got %s", buf.String())
	}

	Log.Warn("shown")
	Log.Error("shown too")
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Errorf("expected 2 lines, got %d: %s", n, buf.String())
	}
}

func TestWith(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	child := Log.With("component", "attention")
	child.Info("ready", "dim", 20)

	out := buf.String()
	if !strings.Contains(out, `"component":"attention"`) || !strings.Contains(out, `"dim":20`) {
		t.Errorf("missing fields in %s", out)
	}
}

func TestConsoleFormat(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "console")
	Log.Info("console line", "key", "value")

	if !strings.Contains(buf.String(), "console line") {
		t.Errorf("expected message in console output, got %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
}
