package countdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVisitsLifecycle(t *testing.T) {
	clock := newFakeClock()
	v := NewVisits(context.Background(), Options{Duration: 10 * time.Second, Clock: clock}, Limits{Grace: time.Minute}, nil)

	id, c := v.Start(testDecoded)
	waitCounting(t, c)

	got, err := v.Get(id)
	if err != nil || got != c {
		t.Fatalf("Get(%q) = %v, %v", id, got, err)
	}
	if _, err := v.Get("missing"); !errors.Is(err, ErrVisitNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrVisitNotFound", err)
	}

	clock.advance(10 * time.Second)
	if c.State() != Ready {
		t.Errorf("state = %s, want ready", c.State())
	}
	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1 before expiry", v.Len())
	}

	clock.advance(time.Minute)
	if v.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry", v.Len())
	}
	if _, err := v.Get(id); !errors.Is(err, ErrVisitNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrVisitNotFound", err)
	}
}

func TestVisitsEndAndClose(t *testing.T) {
	clock := newFakeClock()
	v := NewVisits(context.Background(), Options{Duration: time.Second, Clock: clock}, Limits{}, nil)

	id1, c1 := v.Start(testDecoded)
	_, c2 := v.Start(testDecoded)
	waitCounting(t, c1)
	waitCounting(t, c2)

	v.End(id1)
	v.End(id1)
	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1", v.Len())
	}

	v.Close()
	if v.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", v.Len())
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d after Close, want 0", clock.pending())
	}
}

func TestVisitsEvictsOldestOverCap(t *testing.T) {
	clock := newFakeClock()
	v := NewVisits(context.Background(), Options{Duration: time.Second, Clock: clock}, Limits{Max: 2}, nil)

	id1, c1 := v.Start(testDecoded)
	id2, _ := v.Start(testDecoded)
	id3, _ := v.Start(testDecoded)

	if v.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", v.Len())
	}
	if _, err := v.Get(id1); !errors.Is(err, ErrVisitNotFound) {
		t.Errorf("Get(oldest) error = %v, want ErrVisitNotFound", err)
	}
	for _, id := range []string{id2, id3} {
		if _, err := v.Get(id); err != nil {
			t.Errorf("Get(%q) error = %v", id, err)
		}
	}

	// countdown and expiry timers of the two live visits only
	if clock.pending() != 4 {
		t.Errorf("pending timers = %d, want 4", clock.pending())
	}

	clock.advance(time.Second)
	if c1.State() == Ready {
		t.Error("evicted controller reached ready, want it stopped")
	}
}
