package report

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"affilnet/native/pooldist"
)

// Writer materialises per-token distribution reports as CSV and Parquet
// artefacts for offline reconciliation.
type Writer struct {
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises the writer instance.
type Option func(*Writer)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.now = clock }
}

// NewWriter constructs a report writer rooted at outputDir.
func NewWriter(outputDir string, opts ...Option) (*Writer, error) {
	if strings.TrimSpace(outputDir) == "" {
		outputDir = "reports"
	}
	w := &Writer{outputDir: outputDir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// WriteDistribution persists one distribution run. Skipped runs produce no
// artefacts.
func (w *Writer) WriteDistribution(outcome *pooldist.Outcome) error {
	if outcome == nil {
		return fmt.Errorf("report: outcome required")
	}
	if outcome.Skipped {
		return nil
	}
	runDir := filepath.Join(w.outputDir, w.now().UTC().Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("report: ensure output dir: %w", err)
	}
	base := filepath.Join(runDir, slugify(outcome.Token))

	rewards := make([]pooldist.Reward, 0, 64)
	for _, pool := range outcome.Pools {
		rewards = append(rewards, pool.Rewards...)
	}

	csvPath := base + ".csv"
	if err := writeCSV(csvPath, outcome, rewards); err != nil {
		return err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, rewards); err != nil {
		return err
	}
	w.logger.Info("distribution report written",
		"token", outcome.Token, "rows", len(rewards), "csv", csvPath, "parquet", parquetPath)
	return nil
}

func writeCSV(path string, outcome *pooldist.Outcome, rewards []pooldist.Reward) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()
	cw := csv.NewWriter(file)
	header := []string{"token", "pool_id", "wallet", "role", "amount", "allocation", "total_volume"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, reward := range rewards {
		record := []string{
			reward.Token,
			reward.PoolID.String(),
			reward.Wallet,
			string(reward.Role),
			reward.Amount.String(),
			outcome.Allocation.String(),
			outcome.TotalVolume.String(),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Token  string  `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	PoolID string  `parquet:"name=pool_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Wallet string  `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	Role   string  `parquet:"name=role, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount float64 `parquet:"name=amount, type=DOUBLE"`
}

func writeParquet(path string, rewards []pooldist.Reward) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, reward := range rewards {
		pr := &parquetRow{
			Token:  reward.Token,
			PoolID: reward.PoolID.String(),
			Wallet: reward.Wallet,
			Role:   string(reward.Role),
			Amount: reward.Amount.InexactFloat64(),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func slugify(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	cleaned := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return "token"
	}
	return string(cleaned)
}
