package interceptor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflateIdentity(t *testing.T) {
	data := []byte("plain text")
	assert.Equal(t, data, Inflate("", data))
	assert.Equal(t, data, Inflate("identity", data))
}

func TestInflateUnknownEncodingPassthrough(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	assert.Equal(t, data, Inflate("br", data))
}

func TestInflateGzip(t *testing.T) {
	original := strings.Repeat("streamed response text ", 50)
	compressed := gzipCompress(t, original)
	assert.Equal(t, original, string(Inflate("gzip", compressed)))
	assert.Equal(t, original, string(Inflate("x-gzip", compressed)))
}

func TestInflateGzipIncompleteHeader(t *testing.T) {
	compressed := gzipCompress(t, "hello")
	assert.Nil(t, Inflate("gzip", compressed[:5]))
}

func TestInflateGzipTruncatedYieldsPrefix(t *testing.T) {
	original := strings.Repeat("abcdefgh", 512)
	compressed := gzipCompress(t, original)
	got := Inflate("gzip", compressed[:len(compressed)/2])
	assert.True(t, strings.HasPrefix(original, string(got)),
		"truncated inflate must yield a prefix, got %d bytes", len(got))
}

func TestInflateZlibUnderDeflate(t *testing.T) {
	original := "zlib framed body"
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write([]byte(original))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, original, string(Inflate("deflate", buf.Bytes())))
}

func TestInflateRawDeflate(t *testing.T) {
	original := "raw deflate body"
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(original))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, original, string(Inflate("deflate", buf.Bytes())))
}

func TestInflateEmpty(t *testing.T) {
	assert.Nil(t, Inflate("gzip", nil))
}
