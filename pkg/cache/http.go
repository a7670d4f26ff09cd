package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ReadBody reads the response body and restores it for the caller.
func ReadBody(resp *http.Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if resp.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// EntryToResponse builds an *http.Response for req from a stored entry.
// The Age header is set to the entry's current age.
func EntryToResponse(entry *CachedResponse, req *http.Request, now time.Time) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Age", strconv.FormatInt(int64(entry.Age(now)/time.Second), 10))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// ShouldMakeConditionalRequest determines if we can revalidate with
// If-None-Match or If-Modified-Since.
func ShouldMakeConditionalRequest(v Validators) bool {
	return !v.IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) and If-Modified-Since
// headers to the request.
func AddConditionalHeaders(req *http.Request, v Validators) {
	if req == nil {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if !v.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", v.LastModified.UTC().Format(http.TimeFormat))
	}
}
