package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/vmgraph/internal/models"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader()
	return r
}

func (r *PDFReport) addHeader() {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")

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
			r.pdf.CellFormat(colWidth, 7, truncate(cell, 25), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

// SummaryItem is one labelled line of a summary table.
type SummaryItem struct {
	Label string
	Value string
}

func (r *PDFReport) AddSummaryTable(items []SummaryItem) {
	r.pdf.SetFont("Arial", "", 10)

	for _, item := range items {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, item.Label+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, item.Value, "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

// AddChart draws one horizontal bar per label, in the order given.
func (r *PDFReport) AddChart(title string, labels []string, values []int64) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	var max int64 = 1
	for _, v := range values {
		if v > max {
			max = v
		}
	}

	barMaxWidth := 100.0

	for i, label := range labels {
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(50, 6, truncate(label, 30), "", 0, "L", false, 0, "")

		barWidth := float64(values[i]) / float64(max) * barMaxWidth
		r.pdf.SetFillColor(66, 133, 244)
		r.pdf.CellFormat(barWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", values[i]), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

// AddStatusIndicator draws a colored badge for a run or stage status.
func (r *PDFReport) AddStatusIndicator(status string) {
	var red, green, blue int

	switch status {
	case "completed":
		red, green, blue = 40, 167, 69
	case "failed":
		red, green, blue = 220, 53, 69
	case "cancelled", "skipped":
		red, green, blue = 255, 193, 7
	case "running":
		red, green, blue = 66, 133, 244
	default:
		red, green, blue = 108, 117, 125
	}

	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetFont("Arial", "B", 10)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(35, 8, status, "", 1, "C", true, 0, "")
	r.pdf.Ln(3)
}

func (r *PDFReport) AddPageBreak() {
	r.pdf.AddPage()
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

func (r *PDFReport) OutputToFile(filename string) error {
	r.AddFooter()
	return r.pdf.OutputFileAndClose(filename)
}

func RunReportPDF(title string, run *models.SyncRun, stages []models.SyncStageResult) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Run Summary")
	pdf.AddStatusIndicator(string(run.Status))

	summary := []SummaryItem{
		{"Run", run.ID.String()},
		{"Trigger", run.Trigger},
		{"Triggered By", run.TriggeredBy},
		{"Started", formatTime(run.StartedAt)},
		{"Completed", formatTime(run.CompletedAt)},
		{"Duration", run.Duration().Round(time.Second).String()},
		{"Entities", fmt.Sprintf("%d", run.Entities)},
		{"Relationships", fmt.Sprintf("%d", run.Relationships)},
	}
	if run.FailedStage != nil {
		summary = append(summary, SummaryItem{"Failed Stage", *run.FailedStage})
	}
	pdf.AddSummaryTable(summary)

	if run.ErrorMessage != nil {
		pdf.AddParagraph(*run.ErrorMessage)
	}

	if len(stages) > 0 {
		pdf.AddSection("Stages")
		headers := []string{"Stage", "Status", "Entities", "Relationships", "Duration"}
		rows := make([][]string, 0, len(stages))
		labels := make([]string, 0, len(stages))
		values := make([]int64, 0, len(stages))
		for _, s := range stages {
			duration := ""
			if s.StartedAt != nil && s.CompletedAt != nil {
				duration = s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond).String()
			}
			rows = append(rows, []string{
				s.StageID,
				s.Status,
				fmt.Sprintf("%d", s.Entities),
				fmt.Sprintf("%d", s.Relationships),
				duration,
			})
			labels = append(labels, s.StageID)
			values = append(values, s.Entities+s.Relationships)
		}
		pdf.AddTable(headers, rows)
		pdf.AddChart("Records Written per Stage", labels, values)

		for _, s := range stages {
			if s.ErrorMessage != nil {
				pdf.AddSection("Stage Errors")
				break
			}
		}
		for _, s := range stages {
			if s.ErrorMessage != nil {
				pdf.AddParagraph(fmt.Sprintf("%s: %s", s.StageID, *s.ErrorMessage))
			}
		}
	}

	return pdf.Output()
}

func HistoryReportPDF(title string, runs []models.SyncRun) ([]byte, error) {
	pdf := NewPDFReport(title)

	counts := map[models.RunStatus]int{}
	for _, r := range runs {
		counts[r.Status]++
	}

	pdf.AddSection("Overview")
	pdf.AddSummaryTable([]SummaryItem{
		{"Runs", fmt.Sprintf("%d", len(runs))},
		{"Completed", fmt.Sprintf("%d", counts[models.RunStatusCompleted])},
		{"Failed", fmt.Sprintf("%d", counts[models.RunStatusFailed])},
		{"Cancelled", fmt.Sprintf("%d", counts[models.RunStatusCancelled])},
	})

	if len(runs) == 0 {
		pdf.AddParagraph("No runs recorded.")
		return pdf.Output()
	}

	pdf.AddSection("Runs")
	headers := []string{"Run", "Trigger", "Status", "Failed Stage", "Entities", "Created"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID.String()[:8],
			r.Trigger,
			string(r.Status),
			deref(r.FailedStage),
			fmt.Sprintf("%d", r.Entities),
			r.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}
