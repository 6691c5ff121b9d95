package fleet

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(InitialBackoff, BackoffFactor)
	want := []time.Duration{1000, 1200, 1440, 1728}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("retry %d delay = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	for i := 0; i < 20; i++ {
		b.Next()
	}
	if got := b.Next(); got < 100*time.Second {
		t.Errorf("backoff should be uncapped, got %v", got)
	}
	b.Reset()
	if got := b.Next(); got != InitialBackoff {
		t.Errorf("after Reset delay = %v", got)
	}
}
