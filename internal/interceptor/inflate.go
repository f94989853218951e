package interceptor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
)

// Inflate decompresses an accumulated response body according to the
// declared content encoding, auto-detecting the actual header variant the
// way a zlib window of MAX_WBITS|32 would: gzip magic, zlib header, or raw
// deflate. Truncated streams yield the bytes decoded so far; an incomplete
// header yields nil until more data arrives.
func Inflate(encoding string, data []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data
	case "gzip", "x-gzip", "deflate":
		return autoInflate(data)
	default:
		return data
	}
}

func autoInflate(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	var reader io.ReadCloser
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			// Header still incomplete.
			return nil
		}
		reader = r
	case looksLikeZlib(data):
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil
		}
		reader = r
	default:
		reader = flate.NewReader(bytes.NewReader(data))
	}
	defer func() { _ = reader.Close() }()

	// A truncated stream errors after yielding the decodable prefix; keep
	// the prefix.
	out, _ := io.ReadAll(reader)
	return out
}

// looksLikeZlib checks the two-byte zlib header: deflate method bits plus a
// valid check value.
func looksLikeZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	if data[0]&0x0f != 8 {
		return false
	}
	return (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}
