package interceptor

import (
	"bytes"
	"strconv"
	"strings"
)

// DecodeChunked reassembles an HTTP/1.1 chunked transfer body from an
// accumulated byte buffer. It never fails: framing it cannot complete yet
// (a partial size line or a truncated tail chunk) yields whatever data is
// already decodable with done=false. done becomes true only once the
// 0\r\n\r\n terminator is visible.
func DecodeChunked(buf []byte) (body []byte, done bool) {
	rest := buf
	for {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			// Partial size line.
			return body, false
		}
		sizeLine := rest[:idx]
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseUint(strings.TrimSpace(string(sizeLine)), 16, 32)
		if err != nil {
			// Not valid chunked framing from here on; keep what we decoded.
			return body, false
		}

		rest = rest[idx+2:]
		if size == 0 {
			// Terminator chunk; the final CRLF may not have arrived yet.
			return body, bytes.HasPrefix(rest, []byte("\r\n"))
		}

		if uint64(len(rest)) < size {
			// Truncated tail chunk: surface the partial data.
			body = append(body, rest...)
			return body, false
		}
		body = append(body, rest[:size]...)
		rest = rest[size:]

		// CRLF trailing the chunk data.
		if len(rest) < 2 {
			return body, false
		}
		if rest[0] != '\r' || rest[1] != '\n' {
			return body, false
		}
		rest = rest[2:]
	}
}
