package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/logprism/logprism/internal/models"
)

func TestParseLine(t *testing.T) {
	raw, matched, err := ParseLine("scn-1", "app.log", 7, "2024-03-01T10:15:30 ERROR db: connection refused by 10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatal("expected line to match the record grammar")
	}
	if raw.Level != models.LevelError {
		t.Errorf("level = %s, want ERROR", raw.Level)
	}
	if raw.Category != "db" {
		t.Errorf("category = %q, want db", raw.Category)
	}
	if raw.Message != "connection refused by 10.0.0.5" {
		t.Errorf("message = %q", raw.Message)
	}
	want := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	if !raw.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", raw.Timestamp, want)
	}
	if raw.ScenarioID != "scn-1" || raw.FileName != "app.log" || raw.LineNumber != 7 {
		t.Errorf("provenance = %q %q %d", raw.ScenarioID, raw.FileName, raw.LineNumber)
	}
}

func TestParseLineNonMatching(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"stack trace continuation line",
		"at com.example.Main.run(Main.java:42)",
	} {
		_, matched, err := ParseLine("scn", "f.log", 1, line)
		if err != nil {
			t.Errorf("line %q: unexpected error %v", line, err)
		}
		if matched {
			t.Errorf("line %q: should not match", line)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"unknown level", "2024-03-01T10:15:30 FATAL db: boom"},
		{"bad timestamp", "2024-13-41T10:15:30 ERROR db: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, matched, err := ParseLine("scn", "f.log", 1, tc.line)
			if !matched {
				t.Fatal("expected the grammar to match")
			}
			var malformed *MalformedEntryError
			if !errors.As(err, &malformed) {
				t.Fatalf("err = %v, want *MalformedEntryError", err)
			}
		})
	}
}

func TestNormalizeRejectsZeroTimestamp(t *testing.T) {
	_, err := Normalize(models.RawLogEntry{Level: models.LevelError, RawLine: "x"})
	var malformed *MalformedEntryError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want *MalformedEntryError", err)
	}
}

func TestGeneralizeMasksVolatileTokens(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			"Connection refused by 10.0.0.5 after 3 retries",
			"connection refused by ip_address after number retries",
		},
		{
			"Session 0xdeadbeef expired at 2024-03-01T10:15:30",
			"session hex_value expired at timestamp",
		},
		{
			"Cannot write /var/lib/data/segment.db: disk full",
			"cannot write file_path disk full",
		},
		{
			"request 550e8400-e29b-41d4-a716-446655440000 failed",
			"request hex_value failed",
		},
	}
	for _, tc := range cases {
		if got := Generalize(tc.in); got != tc.want {
			t.Errorf("Generalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGeneralizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"Connection refused by 10.0.0.5 after 3 retries",
		"Cannot write /var/lib/data/segment.db: disk full",
		"plain message without volatile tokens",
		"Session 0xdeadbeef expired at 2024-03-01T10:15:30",
	}
	for _, in := range inputs {
		once := Generalize(in)
		twice := Generalize(once)
		if once != twice {
			t.Errorf("not a fixed point: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestGeneralizeCollapsesToSameTemplate(t *testing.T) {
	a := Generalize("query took 512 ms on 10.0.0.1")
	b := Generalize("query took 8191 ms on 192.168.7.200")
	if a != b {
		t.Errorf("variants did not collapse: %q vs %q", a, b)
	}
}
