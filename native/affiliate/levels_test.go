package affiliate

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func pcts(values ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.NewFromFloat(v))
	}
	return out
}

func TestNewLevelSchedule(t *testing.T) {
	if _, err := NewLevelSchedule(pcts(10, 5, 2)); err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
	if _, err := NewLevelSchedule(nil); err == nil {
		t.Fatal("expected error for empty schedule")
	}
	if _, err := NewLevelSchedule(pcts(10, 10, 5)); !errors.Is(err, ErrInvalidPercentOrdering) {
		t.Fatalf("expected ordering error for equal levels, got %v", err)
	}
	if _, err := NewLevelSchedule(pcts(5, 10)); !errors.Is(err, ErrInvalidPercentOrdering) {
		t.Fatalf("expected ordering error for rising levels, got %v", err)
	}
	if _, err := NewLevelSchedule(pcts(10, 0)); !errors.Is(err, ErrInvalidPercent) {
		t.Fatalf("expected ErrInvalidPercent for zero, got %v", err)
	}
	if _, err := NewLevelSchedule(pcts(8, 7, 6, 5, 4, 3, 2, 1)); err == nil {
		t.Fatal("expected error beyond max depth")
	}
}

func TestPercentLookup(t *testing.T) {
	s, err := NewLevelSchedule(pcts(10, 5, 2))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got, err := s.Percent(2)
	if err != nil {
		t.Fatalf("percent: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("percent(2) = %s, want 5", got)
	}
	if _, err := s.Percent(0); !errors.Is(err, ErrLevelNotFound) {
		t.Fatalf("expected ErrLevelNotFound for 0, got %v", err)
	}
	if _, err := s.Percent(4); !errors.Is(err, ErrLevelNotFound) {
		t.Fatalf("expected ErrLevelNotFound past depth, got %v", err)
	}
}

func TestSetPercentRevalidatesOrdering(t *testing.T) {
	s, err := NewLevelSchedule(pcts(10, 5, 2))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Raising level 2 to meet level 1 breaks strict ordering.
	if err := s.SetPercent(2, decimal.NewFromInt(10)); !errors.Is(err, ErrInvalidPercentOrdering) {
		t.Fatalf("expected ordering error, got %v", err)
	}
	// Lowering level 2 to meet level 3 breaks it too.
	if err := s.SetPercent(2, decimal.NewFromInt(2)); !errors.Is(err, ErrInvalidPercentOrdering) {
		t.Fatalf("expected ordering error, got %v", err)
	}
	// A value strictly between neighbours is accepted.
	if err := s.SetPercent(2, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	got, err := s.Percent(2)
	if err != nil || !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("percent(2) = %s err=%v, want 4", got, err)
	}
	// Rejected updates leave the schedule untouched.
	snapshot := s.Snapshot()
	if len(snapshot) != 3 || !snapshot[0].Equal(decimal.NewFromInt(10)) {
		t.Fatalf("snapshot mutated: %+v", snapshot)
	}

	if err := s.SetPercent(9, decimal.NewFromInt(1)); !errors.Is(err, ErrLevelNotFound) {
		t.Fatalf("expected ErrLevelNotFound, got %v", err)
	}
	if err := s.SetPercent(1, decimal.NewFromInt(101)); !errors.Is(err, ErrInvalidPercent) {
		t.Fatalf("expected ErrInvalidPercent, got %v", err)
	}
}
