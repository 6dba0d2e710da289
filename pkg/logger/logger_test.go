package logger

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty", false, "x"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	log, err := New("DEBUG", true, "tracking-core")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Fatal("debug level should be enabled")
	}
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
