package interceptor

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func chunk(data string) string {
	return fmt.Sprintf("%x\r\n%s\r\n", len(data), data)
}

const chunkTerminator = "0\r\n\r\n"

func TestDecodeChunkedComplete(t *testing.T) {
	buf := chunk("Hello") + chunkTerminator
	body, done := DecodeChunked([]byte(buf))
	assert.Equal(t, "Hello", string(body))
	assert.True(t, done)
}

func TestDecodeChunkedMultipleWithExtension(t *testing.T) {
	buf := "4;ext=1\r\nWiki\r\n" + chunk("pedia") + chunkTerminator
	body, done := DecodeChunked([]byte(buf))
	assert.Equal(t, "Wikipedia", string(body))
	assert.True(t, done)
}

func TestDecodeChunkedTruncatedTail(t *testing.T) {
	body, done := DecodeChunked([]byte("5\r\nHel"))
	assert.Equal(t, "Hel", string(body))
	assert.False(t, done)
}

func TestDecodeChunkedPartialSizeLine(t *testing.T) {
	body, done := DecodeChunked([]byte("5"))
	assert.Empty(t, body)
	assert.False(t, done)
}

func TestDecodeChunkedTerminatorNeedsFinalCRLF(t *testing.T) {
	buf := chunk("Hello") + "0\r\n"
	body, done := DecodeChunked([]byte(buf))
	assert.Equal(t, "Hello", string(body))
	assert.False(t, done)

	body, done = DecodeChunked([]byte(buf + "\r\n"))
	assert.Equal(t, "Hello", string(body))
	assert.True(t, done)
}

func TestDecodeChunkedInvalidSizeKeepsDecodedPrefix(t *testing.T) {
	buf := chunk("Hello") + "ZZZ\r\njunk"
	body, done := DecodeChunked([]byte(buf))
	assert.Equal(t, "Hello", string(body))
	assert.False(t, done)
}

func TestDecodeChunkedIncrementalGrowth(t *testing.T) {
	full := chunk("He") + chunk("llo, ") + chunk("world") + chunkTerminator
	want := "Hello, world"
	for i := 0; i <= len(full); i++ {
		body, done := DecodeChunked([]byte(full[:i]))
		assert.True(t, strings.HasPrefix(want, string(body)),
			"prefix %d decoded to %q which is not a prefix of %q", i, body, want)
		if done {
			assert.Equal(t, want, string(body))
			assert.Equal(t, len(full), i)
		}
	}
}
