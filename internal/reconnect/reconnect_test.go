package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartSucceedsOnFirstAttemptFiresOnUp(t *testing.T) {
	upCh := make(chan string, 1)
	m := New(WithOnUp(func(id string) { upCh <- id }))

	m.Start(context.Background(), "n1", false, func(ctx context.Context) error {
		return nil
	})

	select {
	case id := <-upCh:
		if id != "n1" {
			t.Fatalf("got %q, want n1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected neighbour_up within timeout")
	}
}

func TestStartExhaustsAttemptsFiresGivenUp(t *testing.T) {
	givenUpCh := make(chan string, 1)
	var attempts int32
	m := New(WithOnGivenUp(func(id string) { givenUpCh <- id }))

	// Override delays to near-zero for a fast test.
	orig := NormalDelays
	origMax := NormalMaxAttempts
	NormalDelays = []time.Duration{time.Millisecond, time.Millisecond}
	NormalMaxAttempts = 2
	defer func() { NormalDelays = orig; NormalMaxAttempts = origMax }()

	m.Start(context.Background(), "n2", false, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("down")
	})

	select {
	case id := <-givenUpCh:
		if id != "n2" {
			t.Fatalf("got %q, want n2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected neighbour_given_up within timeout")
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestStopCancelsRunningLoop(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	m.Start(ctx, "n3", false, func(ctx context.Context) error {
		<-blocked
		return errors.New("down")
	})

	if !m.Active("n3") {
		t.Fatal("expected loop to be active")
	}
	m.Stop("n3")
	close(blocked)

	time.Sleep(10 * time.Millisecond)
	if m.Active("n3") {
		t.Fatal("expected loop to be stopped")
	}
}

func TestEmergencyProfileUsesShorterDelaysAndMoreAttempts(t *testing.T) {
	if len(EmergencyDelays) >= len(NormalDelays)*2 {
		t.Fatal("sanity: emergency delay table should not be absurdly longer")
	}
	if EmergencyMaxAttempts <= NormalMaxAttempts {
		t.Fatal("emergency profile should allow more attempts than normal")
	}
	if EmergencyDelays[0] >= NormalDelays[0] {
		t.Fatal("emergency profile should start with a shorter delay")
	}
}
