package clinical

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/healthnexus/platform/internal/document"
)

// Prescription is the printable content of a prescription
type Prescription struct {
	DoctorName     string
	Specialization string
	HospitalName   string
	PatientName    string
	PatientAge     int
	PatientGender  string
	Diagnosis      string
	Symptoms       string
	Notes          string
	Medicines      []document.Medicine
	IssuedAt       time.Time
}

// RenderPrescriptionPDF lays out a one-page A4 prescription
func RenderPrescriptionPDF(p Prescription) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetTitle("Prescription", true)
	pdf.SetCreator("HealthNexus", true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 8, tr(orDash(p.HospitalName)), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	doctor := "Dr. " + strings.TrimPrefix(p.DoctorName, "Dr. ")
	if p.Specialization != "" {
		doctor += ", " + p.Specialization
	}
	pdf.CellFormat(0, 6, tr(doctor), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Date: "+p.IssuedAt.Format("02 Jan 2006"), "", 1, "L", false, 0, "")
	pdf.Ln(2)
	pdf.Line(15, pdf.GetY(), 195, pdf.GetY())
	pdf.Ln(4)

	patient := "Patient: " + orDash(p.PatientName)
	if p.PatientAge > 0 {
		patient += fmt.Sprintf(", %d yrs", p.PatientAge)
	}
	if p.PatientGender != "" {
		patient += ", " + p.PatientGender
	}
	pdf.CellFormat(0, 6, tr(patient), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(body), "", "", false)
		pdf.Ln(2)
	}
	section("Symptoms", p.Symptoms)
	section("Diagnosis", p.Diagnosis)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 7, "Rx", "", 1, "L", false, 0, "")

	widths := []float64{10, 70, 35, 35, 30}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 243, 255)
	for i, h := range []string{"#", "Medicine", "Dosage", "Frequency", "Duration"} {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 10)
	for i, m := range p.Medicines {
		row := []string{fmt.Sprint(i + 1), m.Name, m.Dosage, m.Frequency, m.Duration}
		for j, v := range row {
			pdf.CellFormat(widths[j], 7, tr(v), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(4)

	section("Notes", p.Notes)

	pdf.SetY(-35)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, "This prescription was issued electronically through HealthNexus.", "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
