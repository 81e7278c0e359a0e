package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConfirmationTimeout is returned when a submitted transfer stays
	// unconfirmed through the whole polling window.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")

	// ErrTransferReverted is returned when the chain reports the transfer
	// executed and failed.
	ErrTransferReverted = errors.New("ledger: transfer reverted")
)

// Status is the chain-side state of a submitted transfer.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Transfer is one outbound settlement payment.
type Transfer struct {
	To        string
	Asset     string
	Amount    decimal.Decimal
	Reference string
}

// Client submits transfers and reports their confirmation state.
type Client interface {
	Submit(ctx context.Context, transfer Transfer) (string, error)
	Status(ctx context.Context, txRef string) (Status, error)
}

// FuncClient adapts plain functions to the Client interface. Tests and dry-run
// deployments use it in place of a chain connection.
type FuncClient struct {
	SubmitFn func(ctx context.Context, transfer Transfer) (string, error)
	StatusFn func(ctx context.Context, txRef string) (Status, error)
}

// Submit implements Client.
func (f FuncClient) Submit(ctx context.Context, transfer Transfer) (string, error) {
	if f.SubmitFn == nil {
		return "", fmt.Errorf("ledger: submit not configured")
	}
	return f.SubmitFn(ctx, transfer)
}

// Status implements Client.
func (f FuncClient) Status(ctx context.Context, txRef string) (Status, error) {
	if f.StatusFn == nil {
		return StatusPending, fmt.Errorf("ledger: status not configured")
	}
	return f.StatusFn(ctx, txRef)
}

// AwaitConfirmation polls the transfer status up to attempts times, sleeping
// interval between polls. A transfer still pending when the window closes
// surfaces as ErrConfirmationTimeout; the caller decides whether that is
// retryable.
func AwaitConfirmation(ctx context.Context, client Client, txRef string, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		status, err := client.Status(ctx, txRef)
		if err != nil {
			return fmt.Errorf("ledger: poll status: %w", err)
		}
		switch status {
		case StatusConfirmed:
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: %s", ErrTransferReverted, txRef)
		}
	}
	return fmt.Errorf("%w: %s", ErrConfirmationTimeout, txRef)
}
