package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

// ExportScan writes the review sheet of one scan to outputPath.
func ExportScan(ctx context.Context, db *storage.DB, scanID int64, outputPath string) error {
	if _, err := db.MustScan(ctx, scanID); err != nil {
		return err
	}
	rows, err := db.GetReviewExportRows(ctx, scanID)
	if err != nil {
		return err
	}
	return ExportRowsToXLSX(rows, outputPath)
}

func ExportRowsToXLSX(rows []internal.ReviewExportRow, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{
		"image_id", "image_path", "line_no", "raw_line", "raw_name", "quantity", "reported_certainty",
		"matched_badge_id", "matched_name", "confidence", "corrected_badge_id", "verified",
		"candidate2_name", "candidate2_score",
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.ImageID)
		set(2, row.ImagePath)
		set(3, row.LineNo)
		set(4, row.RawLine)
		set(5, row.RawName)
		set(6, row.Quantity)
		set(7, derefString(row.ReportedCertainty))
		set(8, derefString(row.MatchedBadgeID))
		set(9, derefString(row.MatchedName))
		set(10, row.Confidence)
		set(11, derefString(row.CorrectedBadgeID))
		set(12, row.Verified)
		set(13, derefString(row.Candidate2Name))
		set(14, derefFloat(row.Candidate2Score))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
