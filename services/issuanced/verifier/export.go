package verifier

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/schema"
	"github.com/xitongsys/parquet-go/writer"
)

// ExportOptions tunes a single export.
type ExportOptions struct {
	// DryRun builds and validates the rows without touching dir.
	DryRun bool
}

// ExportResult describes the files an export wrote, or would have written
// for a dry run.
type ExportResult struct {
	CSVPath     string
	ParquetPath string
	Rows        int
	DryRun      bool
}

// ExportReport writes the report's check rows to dir as CSV and Parquet and
// returns both paths.
func ExportReport(dir string, report Report) (string, string, error) {
	res, err := Export(dir, report, ExportOptions{})
	if err != nil {
		return "", "", err
	}
	return res.CSVPath, res.ParquetPath, nil
}

// Export writes the report rows to dir unless opts.DryRun is set.
func Export(dir string, report Report, opts ExportOptions) (ExportResult, error) {
	if strings.TrimSpace(dir) == "" {
		return ExportResult{}, fmt.Errorf("verifier: export dir required")
	}
	filename := fmt.Sprintf("invariants_%s_%s", report.GeneratedAt.UTC().Format("20060102T150405Z"), report.ID.String()[:8])
	rows, err := exportRows(report)
	if err != nil {
		return ExportResult{}, err
	}
	res := ExportResult{
		CSVPath:     filepath.Join(dir, filename+".csv"),
		ParquetPath: filepath.Join(dir, filename+".parquet"),
		Rows:        len(rows),
		DryRun:      opts.DryRun,
	}
	if opts.DryRun {
		if _, err := schema.NewSchemaHandlerFromStruct(new(exportRow)); err != nil {
			return ExportResult{}, fmt.Errorf("verifier: parquet schema: %w", err)
		}
		return res, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("verifier: create export dir: %w", err)
	}
	if err := writeCSV(res.CSVPath, rows); err != nil {
		return ExportResult{}, err
	}
	if err := writeParquet(res.ParquetPath, rows); err != nil {
		return ExportResult{}, err
	}
	return res, nil
}

type exportRow struct {
	ReportID    string `parquet:"name=report_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	GeneratedAt string `parquet:"name=generated_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	AssetID     string `parquet:"name=asset_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Check       string `parquet:"name=check, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Status      string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Passed      bool   `parquet:"name=passed, type=BOOLEAN"`
	Figures     string `parquet:"name=figures, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Notes       string `parquet:"name=notes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Offenders   int32  `parquet:"name=offenders, type=INT32"`
	Digest      string `parquet:"name=digest, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Signer      string `parquet:"name=signer, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func exportRows(report Report) ([]exportRow, error) {
	rows := make([]exportRow, 0, len(report.Checks))
	for _, c := range report.Checks {
		figures := "{}"
		if len(c.Figures) > 0 {
			raw, err := json.Marshal(c.Figures)
			if err != nil {
				return nil, fmt.Errorf("verifier: encode figures: %w", err)
			}
			figures = string(raw)
		}
		rows = append(rows, exportRow{
			ReportID:    report.ID.String(),
			GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
			AssetID:     report.AssetID,
			Check:       c.Name,
			Status:      string(c.Status),
			Passed:      c.Passed,
			Figures:     figures,
			Notes:       strings.Join(c.Notes, "; "),
			Offenders:   int32(len(c.Offenders)),
			Digest:      report.Digest,
			Signer:      report.Signer,
		})
	}
	return rows, nil
}

func writeCSV(path string, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("verifier: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"report_id", "generated_at", "asset_id", "check", "status", "passed", "figures", "notes", "offenders", "digest", "signer"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("verifier: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ReportID,
			row.GeneratedAt,
			row.AssetID,
			row.Check,
			row.Status,
			strconv.FormatBool(row.Passed),
			row.Figures,
			row.Notes,
			strconv.Itoa(int(row.Offenders)),
			row.Digest,
			row.Signer,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("verifier: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("verifier: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("verifier: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(exportRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("verifier: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("verifier: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("verifier: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("verifier: close parquet file: %w", err)
	}
	return nil
}
