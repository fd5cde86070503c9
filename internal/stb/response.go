package stb

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const authFailureMarker = "Authorization failed"

// Response is a portal action response. When the content type announces JSON
// (or javascript, which many portals send) and the body is valid JSON, Parsed
// is set and JS holds the "js" payload. Otherwise only Body is meaningful.
type Response struct {
	StatusCode int
	Header     http.Header
	URL        string
	Body       string

	Parsed bool
	Value  gjson.Result
	JS     gjson.Result
	Text   string
}

func parseResponse(res *Result) *Response {
	r := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		URL:        res.URL,
		Body:       res.Body,
	}
	if isJSONContentType(res.Header.Get("Content-Type")) && gjson.Valid(res.Body) {
		r.Parsed = true
		r.Value = gjson.Parse(res.Body)
		if r.Value.IsObject() {
			r.JS = r.Value.Get("js")
			r.Text = r.Value.Get("text").String()
		}
	}
	return r
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "json") || strings.Contains(ct, "javascript")
}

// IsAuthFailure reports whether a portal body announces a rejected token.
func IsAuthFailure(body string) bool {
	return strings.Contains(body, authFailureMarker)
}

// authFailed applies IsAuthFailure to bodies that did not parse into a JSON
// object. A body parsing to a bare JSON string is checked by its value.
func (r *Response) authFailed() bool {
	if !r.Parsed {
		return IsAuthFailure(r.Body)
	}
	if r.Value.Type == gjson.String {
		return IsAuthFailure(r.Value.String())
	}
	return false
}
