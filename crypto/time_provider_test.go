package crypto

import (
	"testing"
	"time"
)

func TestDefaultTimeProvider(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}
	before := time.Now()
	now := dp.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("DefaultTimeProvider.Now() should return current time")
	}

	since := dp.Since(time.Now().Add(-time.Hour))
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("DefaultTimeProvider.Since() returned unexpected duration: %v", since)
	}
}

func TestManualTimeProvider(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mp := NewManualTimeProvider(start)

	if !mp.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", mp.Now(), start)
	}
	mp.Advance(90 * time.Second)
	if got := mp.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
}

func TestOrDefault(t *testing.T) {
	if _, ok := OrDefault(nil).(DefaultTimeProvider); !ok {
		t.Error("OrDefault(nil) should return DefaultTimeProvider")
	}
	mp := NewManualTimeProvider(time.Unix(0, 0))
	if OrDefault(mp) != TimeProvider(mp) {
		t.Error("OrDefault should pass through a non-nil provider")
	}
}
