// Package export writes administrative reports of the synchronization queues.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/xuri/excelize/v2"
)

const deadLetterSheet = "Dead letters"

var deadLetterHeaders = []string{
	"ID", "Correlation key", "Created", "Resource type", "Resource key",
	"Operation", "Retries", "Original queue", "Reason",
}

// DeadLetterReport writes entries to an xlsx workbook under dir and returns
// its path.
func DeadLetterReport(dir string, entries []*models.DeadLetterEntry, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(deadLetterSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeDeadLetters(f, entries); err != nil {
		return "", err
	}

	_ = f.SetColWidth(deadLetterSheet, "A", "A", 8)
	_ = f.SetColWidth(deadLetterSheet, "B", "B", 38)
	_ = f.SetColWidth(deadLetterSheet, "C", "H", 20)
	_ = f.SetColWidth(deadLetterSheet, "I", "I", 60)

	header, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	lastCol, _ := excelize.ColumnNumberToName(len(deadLetterHeaders))
	_ = f.SetCellStyle(deadLetterSheet, "A1", lastCol+"1", header)
	_ = f.SetPanes(deadLetterSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("deadletter_%s.xlsx", now.Format("20060102_150405"))
	path := filepath.Join(dir, fileName)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

func writeDeadLetters(f *excelize.File, entries []*models.DeadLetterEntry) error {
	for i, h := range deadLetterHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(deadLetterSheet, cell, h); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}
	}

	for row, e := range entries {
		values := []interface{}{
			e.ID,
			e.CorrelationKey,
			e.CreationTime.UTC().Format(time.RFC3339),
			e.ResourceType,
			e.ResourceKey,
			string(e.Operation),
			e.RetryCount,
			e.OriginalQueue,
			e.ReasonForRejection,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row+2)
		if err := f.SetSheetRow(deadLetterSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing entry %d: %w", e.ID, err)
		}
	}
	return nil
}
