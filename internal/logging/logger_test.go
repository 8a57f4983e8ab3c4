package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestRequestLoggerConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{enabled: true, console: true}
	l.SetConsoleWriter(&buf)

	l.Log(&RequestLog{Key: "market:quotes:AAPL:v1", Scope: "ttl", Hit: true, DurationMs: 3})

	out := buf.String()
	if !strings.Contains(out, "hit") || !strings.Contains(out, "market:quotes:AAPL:v1") {
		t.Fatalf("console line missing fields: %q", out)
	}
	if strings.Contains(out, "[forced]") || strings.Contains(out, "[fail-open]") {
		t.Fatalf("unexpected tags in %q", out)
	}
}

func TestRequestLoggerConsoleTags(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{enabled: true, console: true}
	l.SetConsoleWriter(&buf)

	l.Log(&RequestLog{
		Key:      "screener:default:v1",
		Scope:    "daily:2024-01-02",
		Forced:   true,
		FailOpen: true,
		Error:    "vendor 503",
	})

	out := buf.String()
	for _, want := range []string{"miss", "[forced]", "[fail-open]", "error: vendor 503"} {
		if !strings.Contains(out, want) {
			t.Fatalf("console output %q missing %q", out, want)
		}
	}
}

func TestRequestLoggerDisabledConsole(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{enabled: true, console: false}
	l.SetConsoleWriter(&buf)

	l.Log(&RequestLog{Key: "k", Scope: "ttl"})

	if buf.Len() != 0 {
		t.Fatalf("disabled console still wrote %q", buf.String())
	}
}
