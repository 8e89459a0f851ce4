package env

import (
	"log/slog"
	"testing"
	"time"
)

func TestStrFallback(t *testing.T) {
	t.Setenv("RELAY_TEST_STR", "")
	if got := Str("RELAY_TEST_STR", "alloy"); got != "alloy" {
		t.Fatalf("Str=%q, want alloy", got)
	}
	t.Setenv("RELAY_TEST_STR", "shimmer")
	if got := Str("RELAY_TEST_STR", "alloy"); got != "shimmer" {
		t.Fatalf("Str=%q, want shimmer", got)
	}
}

func TestIntInvalidUsesFallback(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "abc")
	if got := Int("RELAY_TEST_INT", 100); got != 100 {
		t.Fatalf("Int=%d, want 100", got)
	}
	t.Setenv("RELAY_TEST_INT", "7")
	if got := Int("RELAY_TEST_INT", 100); got != 7 {
		t.Fatalf("Int=%d, want 7", got)
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("RELAY_TEST_FLOAT", "0.6")
	if got := Float("RELAY_TEST_FLOAT", 0.8); got != 0.6 {
		t.Fatalf("Float=%v, want 0.6", got)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("RELAY_TEST_DUR", "1m30s")
	if got := Duration("RELAY_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("Duration=%v, want 1m30s", got)
	}
	t.Setenv("RELAY_TEST_DUR", "soon")
	if got := Duration("RELAY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("Duration=%v, want fallback", got)
	}
}

func TestLevel(t *testing.T) {
	t.Setenv("RELAY_TEST_LEVEL", "debug")
	if got := Level("RELAY_TEST_LEVEL", slog.LevelInfo); got != slog.LevelDebug {
		t.Fatalf("Level=%v, want debug", got)
	}
	t.Setenv("RELAY_TEST_LEVEL", "loud")
	if got := Level("RELAY_TEST_LEVEL", slog.LevelInfo); got != slog.LevelInfo {
		t.Fatalf("Level=%v, want info", got)
	}
}
