// Package view renders the thank-you results page.
package view

import (
	"html/template"
	"io"
	"sync"

	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
)

// Theme is the explicit styling configuration of a page.
type Theme struct {
	// HeaderColor is the CSS color of the "Thank you!" header.
	HeaderColor string
	// TableColor is the background color of the table header cells.
	TableColor string
	// TableTextColor is the text color of the table header cells.
	TableTextColor string
}

// DefaultTheme is used for settings that do not specify a color.
var DefaultTheme = Theme{
	HeaderColor:    "inherit",
	TableColor:     "#42a5f5",
	TableTextColor: "#fff",
}

// ThemeFor returns DefaultTheme with the header color from settings.
func ThemeFor(s session.Settings) Theme {
	t := DefaultTheme
	if s.ColorOne != "" {
		t.HeaderColor = s.ColorOne
	}
	return t
}

// Title returns the document title for the given settings.
func Title(s session.Settings) string {
	return s.Title + " | Thank You"
}

// Page is the data rendered by the page template.
type Page struct {
	ViewID   string
	Title    string
	Theme    Theme
	Complete bool
	Rows     []results.Row
	Footer   template.HTML
	Alerts   []string
	// LocationConsent is passed to the embedded widget.
	LocationConsent bool
}

// NewPage builds the page data. Footer markup is trusted and embedded
// verbatim.
func NewPage(viewID string, c *session.Context, complete bool, r results.Results, alerts []string) Page {
	p := Page{
		ViewID:          viewID,
		Title:           Title(c.Settings),
		Theme:           ThemeFor(c.Settings),
		Complete:        complete,
		Alerts:          alerts,
		LocationConsent: c.LocationConsent,
	}
	if complete {
		p.Rows = results.Rows(r)
		p.Footer = template.HTML("<div>" + c.Settings.Footer + "</div>")
	}
	return p
}

var pageTemplate = template.Must(template.New("thankyou").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<div class="container-sm mt-4 mb-4">
{{- range .Alerts}}
<div class="alert" role="alert">{{.}}</div>
{{- end}}
<div class="row mb-4"><div class="col-md-6">
<h1 class="thankyou-header" style="color: {{.Theme.HeaderColor}}">Thank you!</h1>
</div></div>
<div class="row mb-4"><div class="col-md-6">
{{- if .Complete}}
<div>Test of speed was completed.</div>
{{- else}}
<div id="ndt-widget" data-view="{{.ViewID}}" data-location-consent="{{.LocationConsent}}"></div>
{{- end}}
</div></div>
{{- if .Complete}}
<div class="row mb-4"><div class="col-md-6">
<table aria-label="simple table" style="width: 100%">
<thead><tr style="background-color: {{.Theme.TableColor}}"><th></th><th style="color: {{.Theme.TableTextColor}}">NDT</th></tr></thead>
<tbody>
{{- range .Rows}}
<tr><th scope="row" style="background-color: {{$.Theme.TableColor}}; color: {{$.Theme.TableTextColor}}; width: 150px">{{.Name}}</th><td>{{.Measure}}</td></tr>
{{- end}}
</tbody>
</table>
</div></div>
<div class="row"><div class="col"><div>{{.Footer}}</div></div></div>
{{- end}}
</div>
</body>
</html>
`))

// Render writes the page as HTML.
func Render(w io.Writer, p Page) error {
	return pageTemplate.Execute(w, p)
}

// Alerts collects user notifications until the next render. It implements
// submission.Notifier.
type Alerts struct {
	mu   sync.Mutex
	msgs []string
}

// Alert queues msg.
func (a *Alerts) Alert(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

// Drain returns the queued messages and clears the queue.
func (a *Alerts) Drain() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.msgs
	a.msgs = nil
	return msgs
}
