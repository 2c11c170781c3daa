// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"io"

	gojson "github.com/goccy/go-json"
)

const (
	// DefaultMaxRequestBodyBytes caps incoming edit payloads to 1MB.
	DefaultMaxRequestBodyBytes int64 = 1 * 1024 * 1024
	// DefaultMaxResponseBodyBytes caps model API responses to 10MB.
	DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024
	// DefaultMaxArtifactBytes caps downloaded artifacts to 50MB.
	DefaultMaxArtifactBytes int64 = 50 * 1024 * 1024
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns
// ErrBodyTooLarge when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrBodyTooLarge
	}
	return body, nil
}

// DecodeJSON reads at most maxBytes from reader and unmarshals into v.
func DecodeJSON(reader io.Reader, maxBytes int64, v any) error {
	body, err := ReadLimitedBody(reader, maxBytes)
	if err != nil {
		return err
	}
	return gojson.Unmarshal(body, v)
}
