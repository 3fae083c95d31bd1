package hammerhead

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// MockResponse is a response served without contacting the destination.
// Mocks are rewritten like real responses.
type MockResponse struct {
	StatusCode  int               `json:"status_code,omitempty" mapstructure:"status_code"`
	ContentType string            `json:"content_type,omitempty" mapstructure:"content_type"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body        string            `json:"body,omitempty" mapstructure:"body"`
}

// Response builds an *http.Response for req.
func (m *MockResponse) Response(req *http.Request) *http.Response {
	status := m.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	h := make(http.Header, len(m.Headers)+2)
	for k, v := range m.Headers {
		h.Set(k, v)
	}
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(m.Body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(m.Body)),
		ContentLength: int64(len(m.Body)),
		Request:       req,
	}
}
