package logger

import "testing"

func TestNewParsesLevelAndFormat(t *testing.T) {
	log, err := New("WARN", "console")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug must be disabled at warn level")
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
