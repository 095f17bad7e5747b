package timeoutmgr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testManager() *Manager {
	return New(
		Bounds{Normal: 50 * time.Millisecond, Emergency: 20 * time.Millisecond},
		Bounds{Normal: 50 * time.Millisecond, Emergency: 20 * time.Millisecond},
		Bounds{Normal: 50 * time.Millisecond, Emergency: 20 * time.Millisecond},
	)
}

func TestWithConnectUsesEmergencyBoundWhenEmergency(t *testing.T) {
	m := testManager()
	ctx, cancel := m.WithConnect(context.Background(), true)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if time.Until(deadline) > 30*time.Millisecond {
		t.Fatal("expected the shorter emergency bound")
	}
}

func TestRunReturnsDeadlineExceededOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRunReturnsUnderlyingErrorWhenFnFinishesFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sentinel := errors.New("boom")
	err := Run(ctx, func(ctx context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}
