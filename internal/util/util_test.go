package util

import (
	"strings"
	"testing"
	"time"
)

func TestCanonicalMessageIDIsDeterministic(t *testing.T) {
	a := CanonicalMessageID("inst-1", "native-1")
	b := CanonicalMessageID("inst-1", "native-1")
	if a != b {
		t.Errorf("same inputs must derive the same id: %q vs %q", a, b)
	}
	if a == CanonicalMessageID("inst-2", "native-1") {
		t.Error("different instances must derive different ids")
	}
	if a == CanonicalMessageID("inst-1", "native-2") {
		t.Error("different native ids must derive different ids")
	}
	// The separator keeps ("a", "b:c") and ("a:b", "c") apart.
	if CanonicalMessageID("a", "b:c") == CanonicalMessageID("a:b", "c") {
		t.Error("instance and native id must not be confusable")
	}
}

func TestGeneratedIDPrefixes(t *testing.T) {
	if id := GenerateEntryID(); !strings.HasPrefix(id, "oq_") {
		t.Errorf("unexpected entry id %q", id)
	}
	if id := GenerateNativeRecordID(); !strings.HasPrefix(id, "nm_") {
		t.Errorf("unexpected native record id %q", id)
	}
	if GenerateEntryID() == GenerateEntryID() {
		t.Error("ids should not collide")
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{"YES", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv("RELAYHUB_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("RELAYHUB_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("RELAYHUB_TEST_DUR", "90s")
	if got := ParseDurationEnv("RELAYHUB_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	t.Setenv("RELAYHUB_TEST_DUR", "soon")
	if got := ParseDurationEnv("RELAYHUB_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("invalid value should fall back to default, got %v", got)
	}
	t.Setenv("RELAYHUB_TEST_DUR", "")
	if got := ParseDurationEnv("RELAYHUB_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("empty value should fall back to default, got %v", got)
	}
}

func TestLockKeys(t *testing.T) {
	if PollLockKey("i") != "poll:i" {
		t.Errorf("unexpected poll key %q", PollLockKey("i"))
	}
	if CanonLockKey("i", "n") != "canon:i:n" {
		t.Errorf("unexpected canon key %q", CanonLockKey("i", "n"))
	}
	if DistLockKey("m") != "dist:m" {
		t.Errorf("unexpected dist key %q", DistLockKey("m"))
	}
	if SendLockKey("e") != "send:e" {
		t.Errorf("unexpected send key %q", SendLockKey("e"))
	}
}
