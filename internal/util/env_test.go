package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("REMINDERPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("REMINDERPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("REMINDERPIPE_TEST_DURATION", "45s")
	if got := ParseDurationEnv("REMINDERPIPE_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
	t.Setenv("REMINDERPIPE_TEST_DURATION", "-3s")
	if got := ParseDurationEnv("REMINDERPIPE_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("negative duration should fall back, got %v", got)
	}
	t.Setenv("REMINDERPIPE_TEST_DURATION", "soon")
	if got := ParseDurationEnv("REMINDERPIPE_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("invalid duration should fall back, got %v", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("REMINDERPIPE_TEST_INT", "300")
	if got := ParseIntEnv("REMINDERPIPE_TEST_INT", 0); got != 300 {
		t.Errorf("got %d, want 300", got)
	}
	t.Setenv("REMINDERPIPE_TEST_INT", "x")
	if got := ParseIntEnv("REMINDERPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
}
