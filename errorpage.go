package hammerhead

import (
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"
)

// DiagnosticHeader carries the stable marker of pages generated by the
// proxy itself, so that they are never mistaken for destination content.
const DiagnosticHeader = "Hammerhead-Diagnostic"

// DiagnosticMalformedURL marks the page served for malformed proxy URLs.
const DiagnosticMalformedURL = "malformed-proxy-url"

// ErrorPage renders the pages the proxy serves in place of destination
// content.
type ErrorPage struct {
	template *template.Template

	// Templates override DefaultErrorTemplates per failure kind.
	Templates map[FailureKind]string
}

// ErrorPageData contains the data passed to the error page template.
type ErrorPageData struct {
	Title      string
	Message    string
	URL        string
	Diagnostic string
	Timestamp  string
}

// DefaultErrorPageHTML is the default error page template.
const DefaultErrorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="hammerhead-diagnostic" content="{{.Diagnostic}}">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            margin: 40px auto;
            max-width: 720px;
            color: #222;
        }
        h1 {
            font-size: 22px;
            font-weight: 600;
        }
        .url {
            font-family: monospace;
            word-break: break-all;
            background: #f4f4f4;
            padding: 8px 12px;
            border-radius: 4px;
        }
        .footer {
            color: #888;
            font-size: 12px;
            margin-top: 24px;
        }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <p>{{.Message}}</p>
    {{if .URL}}<p class="url">{{.URL}}</p>{{end}}
    <p class="footer">hammerhead-diagnostic: {{.Diagnostic}} &middot; {{.Timestamp}}</p>
</body>
</html>`

// NewErrorPage creates an ErrorPage with the default template.
func NewErrorPage() *ErrorPage {
	tmpl := template.Must(template.New("error").Parse(DefaultErrorPageHTML))
	return &ErrorPage{template: tmpl}
}

// NewErrorPageFromTemplate creates an ErrorPage from a custom template string.
func NewErrorPageFromTemplate(templateStr string) (*ErrorPage, error) {
	tmpl, err := template.New("error").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &ErrorPage{template: tmpl}, nil
}

// NewErrorPageFromFile creates an ErrorPage from a template file.
func NewErrorPageFromFile(path string) (*ErrorPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &ErrorPage{template: tmpl}, nil
}

// Render writes the error page to the given writer.
func (ep *ErrorPage) Render(w io.Writer, data ErrorPageData) error {
	return ep.template.Execute(w, data)
}

// RenderString returns the error page as a string.
func (ep *ErrorPage) RenderString(data ErrorPageData) (string, error) {
	var sb strings.Builder
	if err := ep.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WriteMalformed answers a request whose URL is not a proxy URL. The page
// is the same for every such request apart from the echoed URL.
func (ep *ErrorPage) WriteMalformed(w http.ResponseWriter, requestURL string) {
	ep.write(w, http.StatusNotFound, ErrorPageData{
		Title:      "Malformed proxy URL",
		Message:    "The requested URL is not a valid proxy URL and was not forwarded.",
		URL:        requestURL,
		Diagnostic: DiagnosticMalformedURL,
		Timestamp:  time.Now().UTC().Format(time.RFC1123),
	})
}

// WriteDestinationError answers a request whose destination fetch failed.
func (ep *ErrorPage) WriteDestinationError(w http.ResponseWriter, derr *DestinationError) {
	status := http.StatusBadGateway
	if derr.Kind == FailureTimeout {
		status = http.StatusGatewayTimeout
	}
	ep.write(w, status, ErrorPageData{
		Title:      "Destination request failed",
		Message:    ep.Message(derr),
		URL:        derr.URL,
		Diagnostic: derr.Kind.String(),
		Timestamp:  time.Now().UTC().Format(time.RFC1123),
	})
}

// Message renders the message template for derr.
func (ep *ErrorPage) Message(derr *DestinationError) string {
	return RenderErrorTemplate(derr.Kind, derr.URL, ep.Templates)
}

func (ep *ErrorPage) write(w http.ResponseWriter, status int, data ErrorPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(DiagnosticHeader, data.Diagnostic)
	w.WriteHeader(status)
	_ = ep.Render(w, data)
}

// ServeHTTP implements http.Handler for previewing the page directly.
func (ep *ErrorPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep.WriteMalformed(w, r.URL.Query().Get("url"))
}
