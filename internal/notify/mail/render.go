package mail

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/linnemanlabs/lookout/internal/alert"
)

var htmlTmpl = template.Must(template.New("notification").Parse(`<!doctype html>
<html>
<body style="font-family: Arial, Helvetica, sans-serif; color: #1f2933; font-size: 14px;">
{{- if .Logos}}
<p>{{range .Logos}}<img src="cid:{{.}}" alt="" style="max-height: 48px; margin-right: 12px; vertical-align: middle;">{{end}}</p>
{{- end}}
<p>{{.Greeting}}</p>
<p>{{.Intro}}</p>
<table style="border-collapse: collapse; width: 100%;">
<thead>
<tr>{{range .Headers}}<th style="border: 1px solid #cbd2d9; background: #f5f7fa; padding: 6px 10px; text-align: left;">{{.}}</th>{{end}}</tr>
</thead>
<tbody>
{{- range .Rows}}
<tr>{{range .}}<td style="border: 1px solid #cbd2d9; padding: 6px 10px;">{{if .URL}}<a href="{{.URL}}">{{.Text}}</a>{{else}}{{.Text}}{{end}}</td>{{end}}</tr>
{{- end}}
</tbody>
</table>
<p style="color: #52606d; font-size: 12px;">Automated notification from Lookout{{if .Company}} for {{.Company}}{{end}}. Please do not reply to this address.</p>
</body>
</html>
`))

type htmlCell struct {
	Text string
	URL  string
}

type htmlData struct {
	Greeting string
	Intro    string
	Headers  []string
	Rows     [][]htmlCell
	Company  string
	Logos    []string
}

func renderHTML(job *Job, loc *time.Location, logoCIDs []string) string {
	data := htmlData{
		Greeting: greeting(job),
		Intro:    intro(job),
		Company:  job.Extra["company"],
		Logos:    logoCIDs,
	}
	for _, col := range job.Columns {
		data.Headers = append(data.Headers, col.Title)
	}
	for _, row := range job.Rows {
		var cells []htmlCell
		for _, col := range job.Columns {
			cells = append(cells, renderCell(row, col, loc))
		}
		data.Rows = append(data.Rows, cells)
	}

	var b strings.Builder
	if err := htmlTmpl.Execute(&b, data); err != nil {
		// The template is static and the data plain values; execution only
		// fails on a writer error, which strings.Builder never returns.
		return fmt.Sprintf("<p>%s</p>", template.HTMLEscapeString(data.Intro))
	}
	return b.String()
}

func renderCell(row alert.Row, col alert.Column, loc *time.Location) htmlCell {
	val := alert.FormatCell(row[col.Key], col.Kind, loc)
	if col.Kind == alert.KindLink {
		if val == "" {
			return htmlCell{}
		}
		return htmlCell{Text: "View", URL: val}
	}
	return htmlCell{Text: val}
}

// renderText is the plain-text alternative body: one block per row with
// "Title: value" lines, so text-only clients still get every field.
func renderText(job *Job, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(greeting(job))
	b.WriteString("\n\n")
	b.WriteString(intro(job))
	b.WriteString("\n")
	for _, row := range job.Rows {
		b.WriteString("\n")
		for _, col := range job.Columns {
			val := alert.FormatCell(row[col.Key], col.Kind, loc)
			if val == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", col.Title, val)
		}
	}
	b.WriteString("\nAutomated notification from Lookout. Please do not reply to this address.\n")
	return b.String()
}

func greeting(job *Job) string {
	if vessel := job.Extra["vessel_name"]; vessel != "" {
		return fmt.Sprintf("Dear Captain of %s,", strings.ToUpper(vessel))
	}
	return "Hello,"
}

func intro(job *Job) string {
	if len(job.Rows) == 1 {
		return "The following item requires your attention:"
	}
	return fmt.Sprintf("The following %d items require your attention:", len(job.Rows))
}
