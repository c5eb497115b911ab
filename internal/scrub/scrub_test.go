package scrub

import (
	"strings"
	"testing"
)

func TestSanitizePatterns(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		notWant []string
	}{
		{"ssn", "SSN 123-45-6789 on file", []string{"123-45-6789"}},
		{"email", "reply to jane.doe+x@example.co.uk today", []string{"jane.doe+x@example.co.uk"}},
		{"iban", "wire to DE89370400440532013000 now", []string{"DE89370400440532013000"}},
		{"card", "card 4111 1111 1111 1111 saved", []string{"4111 1111 1111 1111"}},
		{"phone", "call +1 415-555-2671 later", []string{"415-555-2671"}},
		{"unix home", "open /Users/jdoe/Documents/report.xlsx", []string{"jdoe"}},
		{"linux home", "saved to /home/asmith/notes.txt", []string{"asmith"}},
		{"windows home", `open C:\Users\bjones\taxes.xlsx`, []string{"bjones"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeString(tt.in)
			for _, leak := range tt.notWant {
				if strings.Contains(got, leak) {
					t.Errorf("Sanitize(%q) = %q, still contains %q", tt.in, got, leak)
				}
			}
			if !strings.Contains(got, RedactionToken) {
				t.Errorf("Sanitize(%q) = %q, no redaction token", tt.in, got)
			}
		})
	}
}

func TestSanitizeCombinedTitle(t *testing.T) {
	in := "Report for SSN 123-45-6789 — /Users/jdoe/Documents/file.xlsx"
	got := SanitizeString(in)

	if strings.Contains(got, "123-45-6789") {
		t.Errorf("digit sequence survived: %q", got)
	}
	if strings.Contains(got, "jdoe") {
		t.Errorf("username segment survived: %q", got)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"SSN 123-45-6789 and mail a@b.com",
		"nothing sensitive here",
		"already " + RedactionToken + " scrubbed",
		"/home/user1/secret and 4111-1111-1111-1111",
	}

	for _, in := range inputs {
		once := SanitizeString(in)
		twice := SanitizeString(once)
		if once != twice {
			t.Errorf("not idempotent:\n once: %q\ntwice: %q", once, twice)
		}
	}
}

func TestSanitizeNil(t *testing.T) {
	if Sanitize(nil) != nil {
		t.Error("nil input must stay nil")
	}

	empty := ""
	out := Sanitize(&empty)
	if out == nil || *out != "" {
		t.Error("empty input must stay empty, not nil")
	}
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("a", 5000) + " 123-45-6789"
	got := SanitizeString(long)

	if len([]rune(got)) > MaxTextLen {
		t.Errorf("output exceeds %d runes: %d", MaxTextLen, len([]rune(got)))
	}
}

func TestContainsPII(t *testing.T) {
	if !ContainsPII("ssn is 123-45-6789") {
		t.Error("SSN not detected")
	}
	if ContainsPII("plain window title") {
		t.Error("false positive on plain text")
	}
}

func TestSanitizeKeepsInnocentText(t *testing.T) {
	in := "Quarterly Planning - Draft v3"
	if got := SanitizeString(in); got != in {
		t.Errorf("innocent text mutated: %q -> %q", in, got)
	}
}
