package jobs

import (
	"bytes"
	"fmt"
	"html/template"

	"outlay/internal/core"
	"outlay/internal/delivery"
)

const reportSubject = "Your Monthly Expense Report"

var reportTemplate = template.Must(template.New("report").Parse(`
{{- if not .Rows -}}
<p>No expenses found for this month.</p>
{{- else -}}
<h2>Monthly Expense Report ({{ .Period.Month }}/{{ .Period.Year }})</h2>
<table border="1" cellpadding="8" cellspacing="0">
  <tr><th>Category</th><th>Total</th></tr>
{{- range .Rows }}
  <tr><td>{{ .Name }}</td><td>{{ .Total }}</td></tr>
{{- end }}
  <tr><td><strong>Total</strong></td><td><strong>{{ .Total }}</strong></td></tr>
</table>
{{- end }}
`))

// Render builds the report for user from the category totals, which are
// expected in display order (largest first).
func Render(user core.User, period core.Period, rows []core.CategoryTotal) (delivery.Report, error) {
	var total core.Money
	for _, r := range rows {
		total = total.Add(r.Total)
	}

	var buf bytes.Buffer
	err := reportTemplate.Execute(&buf, struct {
		Period core.Period
		Rows   []core.CategoryTotal
		Total  core.Money
	}{period, rows, total})
	if err != nil {
		return delivery.Report{}, fmt.Errorf("render report: %w", err)
	}

	return delivery.Report{
		UserID:  user.ID,
		To:      user.Email,
		Period:  period,
		Subject: reportSubject,
		HTML:    buf.String(),
		Rows:    rows,
		Total:   total,
	}, nil
}
