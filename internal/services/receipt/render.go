package receipt

import (
	"bytes"
	"strings"
	"text/template"

	"ogsolar-core/config"
)

const (
	ContentType = "text/plain; charset=utf-8"
	width       = 48
	nameWidth   = 20
)

// Document is everything printed on a receipt, already formatted.
type Document struct {
	Company          config.CompanySettings
	Title            string
	ReceiptNumber    string
	ReferenceLabel   string
	Reference        string
	Issued           string
	Cashier          string
	Customer         string
	PaymentMethod    string
	PaymentReference string
	Lines            []Line
	SubtotalExVAT    string
	Discount         string
	VAT              string
	Shipping         string
	Installation     string
	Total            string
	Tendered         string
	Change           string
}

type Line struct {
	Name      string
	Quantity  int32
	UnitPrice string
	LineTotal string
}

var receiptTemplate = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"center": center,
	"rule":   func() string { return strings.Repeat("-", width) },
	"trunc":  func(s string) string { return truncate(s, nameWidth) },
}).Parse(`{{center .Company.Name}}
{{- with .Company.Address}}
{{center .}}{{end}}
{{- with .Company.Phone}}
{{center (printf "Tel: %s" .)}}{{end}}
{{- with .Company.Email}}
{{center .}}{{end}}
{{- with .Company.KRAPin}}
{{center (printf "KRA PIN: %s" .)}}{{end}}
{{rule}}
{{center .Title}}
Receipt No: {{.ReceiptNumber}}
{{.ReferenceLabel}}: {{.Reference}}
Date: {{.Issued}}
{{- with .Cashier}}
Cashier: {{.}}{{end}}
Customer: {{.Customer}}
Payment: {{.PaymentMethod}}{{with .PaymentReference}} ({{.}}){{end}}
{{rule}}
{{printf "%-20s %4s %10s %11s" "Item" "Qty" "Price" "Total"}}
{{range .Lines}}{{printf "%-20s %4d %10s %11s" (trunc .Name) .Quantity .UnitPrice .LineTotal}}
{{end}}{{rule}}
{{printf "%-30s %17s" "Subtotal (ex VAT)" .SubtotalExVAT}}
{{- with .Discount}}
{{printf "%-30s %17s" "Discount" .}}{{end}}
{{printf "%-30s %17s" "VAT" .VAT}}
{{- with .Installation}}
{{printf "%-30s %17s" "Installation" .}}{{end}}
{{- with .Shipping}}
{{printf "%-30s %17s" "Shipping" .}}{{end}}
{{printf "%-30s %17s" "TOTAL (KES)" .Total}}
{{- with .Tendered}}
{{printf "%-30s %17s" "Tendered" .}}{{end}}
{{- with .Change}}
{{printf "%-30s %17s" "Change" .}}{{end}}
{{- if or .Company.Paybill .Company.Till .Company.BankAccounts}}
{{rule}}
Payment details
{{- with .Company.Paybill}}
M-Pesa Paybill: {{.}}{{end}}
{{- with .Company.Till}}
M-Pesa Till: {{.}}{{end}}
{{- range .Company.BankAccounts}}
{{.Bank}}, {{.Branch}}
  {{.AccountName}} {{.AccountNumber}}{{end}}
{{- end}}
{{rule}}
{{center (printf "Thank you for choosing %s" .Company.Name)}}
{{center "This is a computer-generated receipt."}}
`))

// Render produces the printable artifact. The output depends only on doc.
func Render(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func center(s string) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", (width-len(s))/2) + s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
