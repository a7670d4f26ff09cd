package cache

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(key string) *CachedResponse {
	return &CachedResponse{
		Key:        key,
		StatusCode: 200,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Etag":         []string{`"v1"`},
		},
		Body:         []byte(`{"hello":"world"}`),
		StoredAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Lifetime:     time.Hour,
		InitialAge:   3 * time.Second,
		ETag:         `"v1"`,
		LastModified: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	in := testEntry("GET https://example.com/")

	data, err := EncodeRecord(in)
	require.NoError(t, err)

	out, err := DecodeRecord(data)
	require.NoError(t, err)

	assert.Equal(t, in.Key, out.Key)
	assert.Equal(t, in.StatusCode, out.StatusCode)
	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Body, out.Body)
	assert.True(t, in.StoredAt.Equal(out.StoredAt), "StoredAt %v != %v", in.StoredAt, out.StoredAt)
	assert.Equal(t, in.Lifetime, out.Lifetime)
	assert.Equal(t, in.InitialAge, out.InitialAge)
	assert.Equal(t, in.Validators().ETag, out.Validators().ETag)
	assert.True(t, in.LastModified.Equal(out.LastModified))
}

func TestDecodeRecord_Corrupt(t *testing.T) {
	data, err := EncodeRecord(testEntry("GET https://example.com/"))
	require.NoError(t, err)

	flip := func(i int) []byte {
		c := append([]byte(nil), data...)
		c[i] ^= 0xff
		return c
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "header only", data: data[:recordHeaderSize]},
		{name: "truncated by one byte", data: data[:len(data)-1]},
		{name: "truncated by half", data: data[:len(data)/2]},
		{name: "trailing garbage", data: append(append([]byte(nil), data...), 0)},
		{name: "bad magic", data: flip(0)},
		{name: "bad checksum", data: flip(10)},
		{name: "flipped payload byte", data: flip(len(data) - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(tt.data)
			if !errors.Is(err, ErrCorruptRecord) {
				t.Errorf("DecodeRecord() error = %v, want ErrCorruptRecord", err)
			}
		})
	}
}

func TestDecodeRecord_EmptyKey(t *testing.T) {
	data, err := EncodeRecord(&CachedResponse{StatusCode: 200})
	require.NoError(t, err)

	_, err = DecodeRecord(data)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
