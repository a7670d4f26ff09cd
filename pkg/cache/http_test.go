package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestReadBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
	}

	body, err := ReadBody(resp)
	if err != nil {
		t.Fatalf("ReadBody() error = %v", err)
	}
	if string(body) != `{"test": "data"}` {
		t.Errorf("ReadBody() = %q", body)
	}

	// body restored for the caller
	again, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(again, body) {
		t.Errorf("restored body = %q, want %q", again, body)
	}

	if _, err := ReadBody(nil); err == nil {
		t.Error("ReadBody(nil) should fail")
	}
}

func TestEntryToResponse(t *testing.T) {
	stored := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &CachedResponse{
		StatusCode: 203,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`[1,2,3]`),
		StoredAt:   stored,
		InitialAge: 10 * time.Second,
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)

	resp := EntryToResponse(entry, req, stored.Add(50*time.Second))

	if resp.StatusCode != 203 || resp.Status != "203 Non-Authoritative Information" {
		t.Errorf("status = %d %q", resp.StatusCode, resp.Status)
	}
	if got := resp.Header.Get("Age"); got != "60" {
		t.Errorf("Age = %q, want 60", got)
	}
	if entry.Header.Get("Age") != "" {
		t.Error("EntryToResponse mutated the entry headers")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `[1,2,3]` || resp.ContentLength != 7 {
		t.Errorf("body = %q (len %d)", body, resp.ContentLength)
	}
	if resp.Request != req {
		t.Error("Request not set")
	}
}

func TestShouldMakeConditionalRequest(t *testing.T) {
	tests := []struct {
		name string
		v    Validators
		want bool
	}{
		{name: "no validators", v: Validators{}, want: false},
		{name: "ETag", v: Validators{ETag: `"abc123"`}, want: true},
		{name: "Last-Modified", v: Validators{LastModified: time.Now()}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMakeConditionalRequest(tt.v); got != tt.want {
				t.Errorf("ShouldMakeConditionalRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	lm := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		v       Validators
		wantINM string
		wantIMS string
	}{
		{name: "ETag only", v: Validators{ETag: `"abc123"`}, wantINM: `"abc123"`},
		{name: "Last-Modified only", v: Validators{LastModified: lm}, wantIMS: "Sun, 01 Jan 2023 12:00:00 GMT"},
		{name: "both", v: Validators{ETag: `"abc123"`, LastModified: lm}, wantINM: `"abc123"`, wantIMS: "Sun, 01 Jan 2023 12:00:00 GMT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "https://example.com", nil)
			AddConditionalHeaders(req, tt.v)

			if got := req.Header.Get("If-None-Match"); got != tt.wantINM {
				t.Errorf("If-None-Match = %q, want %q", got, tt.wantINM)
			}
			if got := req.Header.Get("If-Modified-Since"); got != tt.wantIMS {
				t.Errorf("If-Modified-Since = %q, want %q", got, tt.wantIMS)
			}
		})
	}
}

func TestAddConditionalHeaders_NilInputs(t *testing.T) {
	// Should not panic with nil inputs
	AddConditionalHeaders(nil, Validators{ETag: "test"})
	AddConditionalHeaders(&http.Request{}, Validators{})
}
