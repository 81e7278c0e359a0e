package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitConfirmationConfirmed(t *testing.T) {
	polls := 0
	client := FuncClient{
		StatusFn: func(ctx context.Context, txRef string) (Status, error) {
			polls++
			if polls < 3 {
				return StatusPending, nil
			}
			return StatusConfirmed, nil
		},
	}
	err := AwaitConfirmation(context.Background(), client, "0xabc", 5, time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
}

func TestAwaitConfirmationTimeout(t *testing.T) {
	client := FuncClient{
		StatusFn: func(ctx context.Context, txRef string) (Status, error) {
			return StatusPending, nil
		},
	}
	err := AwaitConfirmation(context.Background(), client, "0xabc", 3, time.Millisecond)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestAwaitConfirmationReverted(t *testing.T) {
	client := FuncClient{
		StatusFn: func(ctx context.Context, txRef string) (Status, error) {
			return StatusFailed, nil
		},
	}
	err := AwaitConfirmation(context.Background(), client, "0xabc", 3, time.Millisecond)
	if !errors.Is(err, ErrTransferReverted) {
		t.Fatalf("expected ErrTransferReverted, got %v", err)
	}
}

func TestAwaitConfirmationContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := FuncClient{
		StatusFn: func(ctx context.Context, txRef string) (Status, error) {
			cancel()
			return StatusPending, nil
		},
	}
	err := AwaitConfirmation(ctx, client, "0xabc", 5, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestFuncClientGuards(t *testing.T) {
	var client FuncClient
	if _, err := client.Submit(context.Background(), Transfer{}); err == nil {
		t.Fatal("expected error for unset submit")
	}
	if _, err := client.Status(context.Background(), "0xabc"); err == nil {
		t.Fatal("expected error for unset status")
	}
}
