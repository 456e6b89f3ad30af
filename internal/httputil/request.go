package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// maxBodySize bounds request bodies at 10 MB.
const maxBodySize = 10 << 20

// ParseJSON decodes the request body into dst, rejecting unknown trailing data
// and oversized bodies.
func ParseJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("decode request body: unexpected data after JSON value")
	}
	return nil
}

// ParseUint64Header reads an unsigned decimal header value, returning the
// default when the header is absent.
func ParseUint64Header(r *http.Request, name string, defaultValue uint64) (uint64, error) {
	raw := r.Header.Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("header %s: %w", name, err)
	}
	return parsed, nil
}
