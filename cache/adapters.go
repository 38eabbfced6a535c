package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Cacheable reports whether a response snapshot may be stored:
// status 200 and a basic or cors response type.
func Cacheable(status int, typ ResponseType) bool {
	if status != http.StatusOK {
		return false
	}
	return typ == TypeBasic || typ == TypeCORS
}

// FromResponse snapshots resp into an Entry. The body is read fully and
// resp.Body is replaced so the caller can still consume the live response.
func FromResponse(url string, resp *http.Response, typ ResponseType) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body for %s: %w", url, err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		URL:      url,
		Status:   resp.StatusCode,
		Type:     typ,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// Response rebuilds an http.Response from the snapshot
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Size returns the accounted size of the entry: a positive Content-Length
// header when present, else the stored body length.
func (e *Entry) Size() int64 {
	if v := e.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return int64(len(e.Body))
}
