package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesLogfmtWithInheritedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Debug).(*logfmtLogger)
	logger.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	child := logger.With(F("instance_id", "inst-1"))
	child.Warn("event_decode_failed", F("reason", "bad json"), Err(errors.New("boom")))

	got := strings.TrimSpace(buf.String())
	want := `ts=2024-01-02T03:04:05Z level=warn msg=event_decode_failed instance_id=inst-1 reason="bad json" error=boom`
	if got != want {
		t.Fatalf("unexpected line\n got: %s\nwant: %s", got, want)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Warn)
	logger.Info("skipped")
	logger.Debug("skipped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below level, got %q", buf.String())
	}
	if logger.Enabled(Info) {
		t.Fatalf("info should not be enabled at warn level")
	}
	if !logger.Enabled(Error) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	logger := Nop()
	if logger.Enabled(Error) {
		t.Fatalf("nop logger should not enable any level")
	}
	logger.Error("ignored")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   Debug,
		" WARN ":  Warn,
		"warning": Warn,
		"error":   Error,
		"":        Info,
		"verbose": Info,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
