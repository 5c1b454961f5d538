package clinical

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/user"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Patients"

var exportHeader = []string{
	"Name",
	"Phone",
	"Age",
	"Gender",
	"Blood Group",
	"City",
	"Allergies",
	"Chronic Diseases",
	"Current Medications",
	"Smoking",
	"Alcohol",
	"Registered",
}

var exportWidths = []float64{24, 16, 8, 10, 12, 16, 28, 28, 28, 12, 12, 14}

// PatientsWorkbook builds an XLSX sheet with one row per patient
func PatientsWorkbook(patients []*user.User, now time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(exportSheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		colName, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(exportSheet, colName, colName, exportWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}
	if err := f.SetCellStyle(exportSheet, "A1", lastHeaderCell(), headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, p := range patients {
		row := []any{
			p.Name,
			p.Phone,
			p.Age(now),
			p.Gender,
			p.BloodGroup,
			p.AddressCity,
			strings.Join(p.MedicalHistory.Allergies, ", "),
			strings.Join(p.MedicalHistory.ChronicDiseases, ", "),
			strings.Join(p.MedicalHistory.CurrentMedications, ", "),
			p.Lifestyle.Smoking,
			p.Lifestyle.Alcohol,
			p.CreatedAt.Format("2006-01-02"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func lastHeaderCell() string {
	cell, _ := excelize.CoordinatesToCellName(len(exportHeader), 1)
	return cell
}
