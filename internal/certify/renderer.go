package certify

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/thrillee/aegiscert/internal/model"
)

// Renderer produces the unsigned certificate document for a message.
type Renderer interface {
	Render(msg model.Message, issuedAt time.Time) ([]byte, error)
}

// PDFRenderer lays the certificate out as a single A4 page.
type PDFRenderer struct {
	IssuerName string
}

func NewPDFRenderer(issuerName string) *PDFRenderer {
	if issuerName == "" {
		issuerName = "AegisCert"
	}
	return &PDFRenderer{IssuerName: issuerName}
}

const dateLayout = "2006-01-02 15:04:05 MST"

func (r *PDFRenderer) Render(msg model.Message, issuedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetTitle("Certificate of delivery "+msg.MessageID, true)
	pdf.SetSubject("SMS delivery certificate", true)
	pdf.SetAuthor(r.IssuerName, true)
	pdf.SetCreator(r.IssuerName, true)
	pdf.SetCreationDate(issuedAt)
	pdf.SetModificationDate(issuedAt)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, tr("Certificate of Delivery"), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.CellFormat(0, 6, tr("Issued by "+r.IssuerName+" on "+issuedAt.UTC().Format(dateLayout)), "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)
	pdf.SetDrawColor(160, 160, 160)
	pdf.Line(20, pdf.GetY(), 190, pdf.GetY())
	pdf.Ln(6)

	rows := [][2]string{
		{"Message ID", msg.MessageID},
		{"Sender", msg.SenderID},
		{"Recipient", msg.Recipient},
		{"Status", string(msg.Status)},
		{"Received", msg.ReceivedAt.UTC().Format(dateLayout)},
	}
	if msg.SubmittedAt != nil {
		rows = append(rows, [2]string{"Submitted", msg.SubmittedAt.UTC().Format(dateLayout)})
	}
	if msg.ProviderID != nil {
		rows = append(rows, [2]string{"Carrier reference", *msg.ProviderID})
	}
	if msg.PartCount != nil {
		rows = append(rows, [2]string{"Parts", strconv.Itoa(*msg.PartCount)})
	}
	rows = append(rows, [2]string{"Last update", msg.UpdatedAt.UTC().Format(dateLayout)})

	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(45, 8, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 8, tr(row[1]), "", 1, "L", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 8, tr("Message content"), "", 1, "L", false, 0, "")
	pdf.SetFont("Courier", "", 10)
	pdf.MultiCell(0, 5, tr(msg.Body), "1", "L", false)

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, tr("This document is sealed with an electronic signature and a trusted timestamp. "+
		"Any modification invalidates the seal."), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return buf.Bytes(), nil
}
