package signing

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

var auditColumns = []string{
	"Request ID", "Title", "Signer", "Signer Email", "Status",
	"Created At", "Expires At", "Signed At", "Signed Document", "Spots",
}

// AuditOptions configures the XLSX audit workbook
type AuditOptions struct {
	SheetName  string
	DateFormat string
	HeaderFill string
	HeaderFont string
}

func DefaultAuditOptions() AuditOptions {
	return AuditOptions{
		SheetName:  "Signature Requests",
		DateFormat: "yyyy-mm-dd hh:mm",
		HeaderFill: "4472C4",
		HeaderFont: "FFFFFF",
	}
}

// AuditExporter writes an owner's signature requests as a spreadsheet.
type AuditExporter struct {
	options AuditOptions
}

func NewAuditExporter(options AuditOptions) *AuditExporter {
	return &AuditExporter{options: options}
}

func (e *AuditExporter) Export(w io.Writer, reqs []SignatureRequest, now time.Time) error {
	file := excelize.NewFile()
	defer file.Close()

	sheet := e.options.SheetName
	if err := file.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	headerStyle, err := file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: e.options.HeaderFont},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{e.options.HeaderFill}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	dateFormat := e.options.DateFormat
	dateStyle, err := file.NewStyle(&excelize.Style{CustomNumFmt: &dateFormat})
	if err != nil {
		return fmt.Errorf("failed to create date style: %w", err)
	}

	for i, col := range auditColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := file.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(auditColumns), 1)
	if err := file.SetCellStyle(sheet, "A1", lastHeader, headerStyle); err != nil {
		return err
	}

	for r, req := range reqs {
		row := r + 2
		values := []any{
			req.ID.String(),
			req.Title,
			deref(req.SignerName),
			deref(req.SignerEmail),
			displayStatus(&req, now),
			req.CreatedAt.UTC(),
			req.ExpiresAt.UTC(),
			timeOrEmpty(req.SignedAt),
			deref(req.SignedDocumentPath),
			len(req.Spots),
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, row)
			if err := file.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
			if _, ok := v.(time.Time); ok {
				if err := file.SetCellStyle(sheet, cell, cell, dateStyle); err != nil {
					return err
				}
			}
		}
	}

	if err := file.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	if len(reqs) > 0 {
		if err := file.AutoFilter(sheet, "A1:"+lastHeader, nil); err != nil {
			return err
		}
	}
	if err := file.SetColWidth(sheet, "A", "A", 38); err != nil {
		return err
	}
	if err := file.SetColWidth(sheet, "B", "I", 22); err != nil {
		return err
	}

	return file.Write(w)
}

// displayStatus separates expired requests from ones still open.
func displayStatus(req *SignatureRequest, now time.Time) string {
	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		return "expired"
	}
	return string(req.Status)
}

func timeOrEmpty(t *time.Time) any {
	if t == nil {
		return ""
	}
	return t.UTC()
}
