package telegram

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("SplitText short = %q", got)
	}

	in := "line one\nline two\nline three"
	got := SplitText(in, 12)
	if strings.Join(got, "|") != "line one|line two|line three" {
		t.Fatalf("SplitText lines = %q, want newline boundaries", got)
	}

	long := strings.Repeat("x", 25)
	got = SplitText(long, 10)
	if len(got) != 3 || got[2] != "xxxxx" {
		t.Fatalf("SplitText no newline = %q", got)
	}
}
