package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestGlobalHelpersWrite(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "trace", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	Trace().Msg("t")
	Debug().Msg("d")
	Info().Msg("i")
	Warn().Msg("w")
	Error().Msg("e")

	out := buf.String()
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		if !strings.Contains(out, `"level":"`+level+`"`) {
			t.Fatalf("missing %s line in output: %s", level, out)
		}
	}
}

func TestWithTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	l := With("scheduler")
	l.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"scheduler"`) {
		t.Fatalf("component field missing: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	Info().Msg("dropped")
	Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line not filtered: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %s", out)
	}
}
