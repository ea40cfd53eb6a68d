package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	itemsSheet    = "Items"
	receiptsSheet = "Receipts"
)

var (
	itemsHeader    = []string{"Item", "Category", "Quantity", "Unit Price", "Subtotal", "Receipt", "Status"}
	receiptsHeader = []string{"Receipt", "Items", "Items Total", "Detected Subtotal", "Detected Total", "Currency", "Status", "Tier", "Issues"}
)

// ErrNothingToExport is returned when there are no records.
var ErrNothingToExport = errors.New("no records to export")

// XLSXExporter writes records to spreadsheet files.
type XLSXExporter struct {
	storage Storage
	now     func() time.Time
}

func NewXLSXExporter(storage Storage) *XLSXExporter {
	return &XLSXExporter{storage: storage, now: time.Now}
}

// Export writes records to receipts-<timestamp>.xlsx and returns its path.
func (e *XLSXExporter) Export(records []*Record) (string, error) {
	if len(records) == 0 {
		return "", ErrNothingToExport
	}

	data, err := Workbook(records)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("receipts-%s.xlsx", e.now().Format("20060102-150405"))
	path, err := e.storage.Save(name, data)
	if err != nil {
		return "", fmt.Errorf("saving workbook: %w", err)
	}
	return path, nil
}

// Workbook renders records as an xlsx file with one row per item and one row
// per receipt.
func Workbook(records []*Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", itemsSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(receiptsSheet); err != nil {
		return nil, fmt.Errorf("adding sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("creating style: %w", err)
	}

	var itemRows, receiptRows [][]any
	for _, r := range records {
		name := r.Filename
		if name == "" {
			name = r.ID
		}
		for _, item := range r.Items {
			itemRows = append(itemRows, []any{
				item.Name,
				string(item.Category),
				item.Quantity,
				item.UnitPrice.InexactFloat64(),
				item.Subtotal().InexactFloat64(),
				name,
				string(r.Status),
			})
		}
		receiptRows = append(receiptRows, []any{
			name,
			len(r.Items),
			r.ItemsTotal().InexactFloat64(),
			nullFloat(r.DetectedSubtotal.Valid, r.DetectedSubtotal.Decimal.InexactFloat64),
			nullFloat(r.DetectedTotal.Valid, r.DetectedTotal.Decimal.InexactFloat64),
			r.Currency,
			string(r.Status),
			r.Tier,
			strings.Join(r.Issues, "; "),
		})
	}

	if err := writeSheet(f, itemsSheet, itemsHeader, itemRows, bold); err != nil {
		return nil, err
	}
	if err := writeSheet(f, receiptsSheet, receiptsHeader, receiptRows, bold); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]any, style int) error {
	for col, title := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return fmt.Errorf("writing %s header: %w", sheet, err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("styling %s header: %w", sheet, err)
	}

	for i, row := range rows {
		for col, v := range row {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
			}
		}
	}
	return nil
}

func nullFloat(valid bool, get func() float64) any {
	if !valid {
		return nil
	}
	return get()
}
