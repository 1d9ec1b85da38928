package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// SettlementExporter writes completed settlements to CSV and Parquet files
// for downstream reconciliation against provider statements.
type SettlementExporter struct {
	store     *SQLiteStore
	outputDir string
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewSettlementExporter(store *SQLiteStore, outputDir string, logger *slog.Logger) *SettlementExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementExporter{
		store:     store,
		outputDir: outputDir,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// ExportResult reports where a settlement export landed.
type ExportResult struct {
	Rows        int       `json:"rows"`
	CSVPath     string    `json:"csvPath,omitempty"`
	ParquetPath string    `json:"parquetPath,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Export writes every settlement completed at or after since. A zero since
// exports the full history. No files are written when nothing settled.
func (e *SettlementExporter) Export(ctx context.Context, since time.Time) (*ExportResult, error) {
	rows, err := e.store.SettlementRows(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("recon: load settlements: %w", err)
	}
	now := e.nowFn().UTC()
	result := &ExportResult{Rows: len(rows), GeneratedAt: now}
	if len(rows) == 0 {
		return result, nil
	}

	runDir := filepath.Join(e.outputDir, now.Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	base := fmt.Sprintf("settlements_%s", now.Format("150405"))

	csvPath := filepath.Join(runDir, base+".csv")
	if err := writeSettlementCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, base+".parquet")
	if err := writeSettlementParquet(parquetPath, rows); err != nil {
		return nil, err
	}

	e.logger.Info("settlement export written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	result.CSVPath = csvPath
	result.ParquetPath = parquetPath
	return result, nil
}

func writeSettlementCSV(path string, rows []SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"order_id", "reference", "seller", "buyer", "asset", "amount",
		"fiat_currency", "fiat_amount", "rate", "payment_method", "provider", "completed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.OrderID),
			row.Reference,
			row.Seller,
			row.Buyer,
			row.Asset,
			row.Amount,
			row.FiatCurrency,
			row.FiatAmount,
			row.Rate,
			row.PaymentMethod,
			row.Provider,
			row.CompletedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type settlementParquetRow struct {
	OrderID       int64  `parquet:"name=order_id, type=INT64"`
	Reference     string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller        string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer         string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset         string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatCurrency  string `parquet:"name=fiat_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatAmount    string `parquet:"name=fiat_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate          string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentMethod string `parquet:"name=payment_method, type=BYTE_ARRAY, convertedtype=UTF8"`
	Provider      string `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt   string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeSettlementParquet(path string, rows []SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &settlementParquetRow{
			OrderID:       int64(row.OrderID),
			Reference:     row.Reference,
			Seller:        row.Seller,
			Buyer:         row.Buyer,
			Asset:         row.Asset,
			Amount:        row.Amount,
			FiatCurrency:  row.FiatCurrency,
			FiatAmount:    row.FiatAmount,
			Rate:          row.Rate,
			PaymentMethod: row.PaymentMethod,
			Provider:      row.Provider,
			CompletedAt:   row.CompletedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
