package telegram

import (
	"strings"
	"testing"

	logx "remindbot/pkg/logx"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
	got := splitText(in, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "x") || !strings.HasPrefix(got[1], "y") {
		t.Fatalf("split not on newline: %q", got)
	}
}

func TestSplitTextHardWrapWithoutNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("z", 250)
	got := splitText(in, 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if len(got[0]) != 100 || len(got[1]) != 100 || len(got[2]) != 50 {
		t.Fatalf("chunk sizes = %d,%d,%d", len(got[0]), len(got[1]), len(got[2]))
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
