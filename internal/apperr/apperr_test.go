package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := ModeMismatch("store.Gate", "wallet %s belongs to %s", "w1", "DEMO")
	wrapped := fmt.Errorf("create order: %w", base)
	if !Is(wrapped, KindModeMismatch) {
		t.Fatalf("expected MODE_MISMATCH, got %s", KindOf(wrapped))
	}
	if Is(wrapped, KindNotFound) {
		t.Fatal("mode mismatch must not look like not found")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("foreign errors are internal")
	}
}

func TestClassifyVenue(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want VenueClass
	}{
		{"deadline", fmt.Errorf("get status: %w", context.DeadlineExceeded), VenueTimeout},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), VenueConnection},
		{"timeout text", errors.New("request timed out"), VenueTimeout},
		{"rejection", VenueRejection("place", "insufficient margin"), VenueRejected},
		{"other", errors.New("invalid symbol"), VenueOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyVenue(tt.err); got != tt.want {
				t.Fatalf("ClassifyVenue=%s, expected %s", got, tt.want)
			}
		})
	}
	if !IsTransient(Venue("poll", context.DeadlineExceeded)) {
		t.Fatal("timeout should be transient")
	}
	if IsTransient(VenueRejection("place", "bad size")) {
		t.Fatal("rejection is not transient")
	}
}
