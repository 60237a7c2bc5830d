package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/sbcompliance/internal/models"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string, generated time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader(generated)
	return r
}

func (r *PDFReport) addHeader(generated time.Time) {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", generated.UTC().Format("January 2, 2006 3:04 PM MST")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			r.pdf.CellFormat(colWidth, 7, truncate(cell, 32), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

// AddStatusLine writes a label followed by a coloured pass/fail badge.
func (r *PDFReport) AddStatusLine(label string, status models.CheckStatus) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(60, 7, label+":", "", 0, "L", false, 0, "")

	switch status {
	case models.CheckPass:
		r.pdf.SetFillColor(40, 167, 69)
	case models.CheckFail:
		r.pdf.SetFillColor(220, 53, 69)
	default:
		r.pdf.SetFillColor(255, 193, 7)
	}
	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(20, 7, string(status), "", 1, "C", true, 0, "")
	r.pdf.Ln(2)
}

func (r *PDFReport) AddFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.AddFooter()

	var buf bytes.Buffer
	err := r.pdf.Output(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

// ComplianceReportPDF renders a compliance report as a printable document.
func ComplianceReportPDF(report *models.ComplianceReport) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("nil compliance report")
	}
	pdf := NewPDFReport("Supabase Compliance Report", report.Timestamp)

	pdf.AddSection("Overview")
	pdf.AddParagraph(fmt.Sprintf("Project: %s\nCheck ID: %s", report.ProjectRef, report.CheckID))
	pdf.AddStatusLine("Overall status", report.Summary.OverallStatus)

	summaryRows := [][]string{
		summaryRow("MFA (users)", report.Summary.MFA),
		summaryRow("RLS (tables)", report.Summary.RLS),
		summaryRow("PITR", report.Summary.PITR.ComplianceSummary),
	}
	pdf.AddTable([]string{"Control", "Total", "Passing", "Failing"}, summaryRows)

	if mfa := report.MFA; mfa != nil {
		pdf.AddSection("Multi-Factor Authentication")
		pdf.AddParagraph(fmt.Sprintf("MFA enabled for project: %s", yesNo(mfa.MFAEnabledGlobally)))
		if mfa.Error != "" {
			pdf.AddParagraph("Check error: " + mfa.Error)
		}
		if len(mfa.Users) > 0 {
			rows := make([][]string, 0, len(mfa.Users))
			for _, u := range mfa.Users {
				rows = append(rows, []string{u.Email, yesNo(u.HasMFA), string(u.Status)})
			}
			pdf.AddTable([]string{"User", "MFA Factor", "Status"}, rows)
		}
	}

	if rls := report.RLS; rls != nil {
		pdf.AddSection("Row Level Security")
		if rls.Error != "" {
			pdf.AddParagraph("Check error: " + rls.Error)
		}
		if len(rls.Tables) > 0 {
			rows := make([][]string, 0, len(rls.Tables))
			for _, t := range rls.Tables {
				rows = append(rows, []string{t.Schema + "." + t.Name, yesNo(t.RLSEnabled), yesNo(t.HasPolicies), string(t.Status)})
			}
			pdf.AddTable([]string{"Table", "RLS Enabled", "Policies", "Status"}, rows)
		} else if rls.Error == "" {
			pdf.AddParagraph("No tables found in the public schema.")
		}
	}

	if pitr := report.PITR; pitr != nil {
		pdf.AddSection("Point-in-Time Recovery")
		pdf.AddStatusLine("PITR enabled", pitr.Status)
		if pitr.Error != "" {
			pdf.AddParagraph("Check error: " + pitr.Error)
		}
	}

	return pdf.Output()
}

func summaryRow(label string, s models.ComplianceSummary) []string {
	return []string{label, fmt.Sprintf("%d", s.Total), fmt.Sprintf("%d", s.Passing), fmt.Sprintf("%d", s.Failing)}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
