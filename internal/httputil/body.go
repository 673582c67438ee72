// Package httputil provides capped reads for HTTP payloads.
package httputil

import (
	"errors"
	"io"
)

// ErrBodyTooLarge reports a read that exceeded its cap. The returned
// bytes are truncated to the cap.
var ErrBodyTooLarge = errors.New("body exceeds size cap")

// ReadCapped reads at most max bytes from r. A non-positive max reads
// to EOF uncapped.
func ReadCapped(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > max {
		return body[:max], ErrBodyTooLarge
	}
	return body, nil
}
