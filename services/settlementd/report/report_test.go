package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"affilnet/native/pooldist"
)

func TestWriteDistribution(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	poolID := uuid.New()
	outcome := &pooldist.Outcome{
		Token:       "TOK-1",
		Allocation:  decimal.NewFromInt(100),
		TotalVolume: decimal.NewFromInt(1000),
		Distributed: decimal.NewFromInt(100),
		Pools: []pooldist.PoolOutcome{{
			PoolID: poolID,
			Rewards: []pooldist.Reward{
				{Token: "TOK-1", PoolID: poolID, Wallet: "creator", Role: pooldist.RoleCreator, Amount: decimal.NewFromInt(60)},
				{Token: "TOK-1", PoolID: poolID, Wallet: "staker", Role: pooldist.RoleStaker, Amount: decimal.NewFromInt(40)},
			},
		}},
	}
	if err := w.WriteDistribution(outcome); err != nil {
		t.Fatalf("write distribution: %v", err)
	}

	csvPath := filepath.Join(dir, "20260301", "tok-1.csv")
	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv rows = %d, want header + 2", len(records))
	}
	if records[1][2] != "creator" || records[1][3] != "CREATOR" {
		t.Fatalf("unexpected first row: %v", records[1])
	}

	if _, err := os.Stat(filepath.Join(dir, "20260301", "tok-1.parquet")); err != nil {
		t.Fatalf("parquet artefact missing: %v", err)
	}
}

func TestWriteDistributionSkipsSkippedRuns(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	outcome := &pooldist.Outcome{Token: "TOK-2", Skipped: true, Reason: "no eligible volume"}
	if err := w.WriteDistribution(outcome); err != nil {
		t.Fatalf("write skipped: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no artefacts, found %d", len(entries))
	}
}
