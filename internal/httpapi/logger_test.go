package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	jsonLog := newLogger(&buf, "info", "json")
	jsonLog.Info().Str("device_id", "d1").Msg("scored")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "homepulse-core" || line["device_id"] != "d1" {
		t.Fatalf("expected service and device fields, got %v", line)
	}

	buf.Reset()
	consoleLog := newLogger(&buf, "info", "console")
	consoleLog.Info().Msg("scored")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "scored") {
		t.Fatalf("expected a console line, got %q", buf.String())
	}
}
