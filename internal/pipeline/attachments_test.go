package pipeline

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
)

func attachmentRequest(reqID string, urls ...string) *openai.Request {
	parts := []openai.Part{{Kind: openai.PartText, Text: "see attached"}}
	for _, u := range urls {
		parts = append(parts, openai.Part{Kind: openai.PartImageURL, URL: u})
	}
	return &openai.Request{
		ReqID:    reqID,
		Messages: []openai.Message{{Role: "user", Parts: parts}},
	}
}

func TestPrepareAttachmentsNoneIsNoOp(t *testing.T) {
	req := &openai.Request{
		ReqID:    "noatt01",
		Messages: []openai.Message{{Role: "user", Text: "plain"}},
	}
	files, dir, err := prepareAttachments(req)
	require.NoError(t, err)
	assert.Nil(t, files)
	assert.Empty(t, dir)
}

func TestPrepareAttachmentsMaterializesDataURI(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("pixels"))
	req := attachmentRequest("dataatt1", "data:image/png;base64,"+payload)

	files, dir, err := prepareAttachments(req)
	require.NoError(t, err)
	defer removeUploadDir(dir)

	require.Len(t, files, 1)
	assert.Equal(t, "upload-0.png", filepath.Base(files[0]))
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
}

func TestPrepareAttachmentsPercentEncodedDataURI(t *testing.T) {
	req := attachmentRequest("dataatt2", "data:text/plain,hello%20world")

	files, dir, err := prepareAttachments(req)
	require.NoError(t, err)
	defer removeUploadDir(dir)

	require.Len(t, files, 1)
	assert.Equal(t, "upload-0.txt", filepath.Base(files[0]))
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPrepareAttachmentsUnknownMediaTypeFallsBack(t *testing.T) {
	req := attachmentRequest("dataatt3", "data:application/octet-stream;base64,AAEC")

	files, dir, err := prepareAttachments(req)
	require.NoError(t, err)
	defer removeUploadDir(dir)

	require.Len(t, files, 1)
	assert.Equal(t, "upload-0.bin", filepath.Base(files[0]))
}

func TestPrepareAttachmentsRejectsNetworkURL(t *testing.T) {
	req := attachmentRequest("netatt01", "https://example.com/cat.png")
	_, _, err := prepareAttachments(req)

	var bad *interfaces.BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestPrepareAttachmentsRejectsRelativePath(t *testing.T) {
	req := attachmentRequest("relatt01", "uploads/cat.png")
	_, _, err := prepareAttachments(req)

	var bad *interfaces.BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestPrepareAttachmentsRejectsEscapingPath(t *testing.T) {
	req := attachmentRequest("escatt01", filepath.Join(os.TempDir(), uploadDirName, "escatt01", "..", "..", "etc", "passwd"))
	_, _, err := prepareAttachments(req)

	var bad *interfaces.BadRequestError
	require.ErrorAs(t, err, &bad)
	assert.Contains(t, bad.Error(), "outside the upload directory")
}

func TestPrepareAttachmentsAcceptsInDirPath(t *testing.T) {
	dir := filepath.Join(os.TempDir(), uploadDirName, "inatt001")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	defer removeUploadDir(dir)
	seeded := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(seeded, []byte("x"), 0o600))

	req := attachmentRequest("inatt001", seeded)
	files, _, err := prepareAttachments(req)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, seeded, files[0])
}

func TestPrepareAttachmentsBadBase64CleansUp(t *testing.T) {
	req := attachmentRequest("badatt01", "data:image/png;base64,!!!not-base64!!!")
	_, _, err := prepareAttachments(req)

	var bad *interfaces.BadRequestError
	require.ErrorAs(t, err, &bad)
	_, statErr := os.Stat(filepath.Join(os.TempDir(), uploadDirName, "badatt01"))
	assert.True(t, os.IsNotExist(statErr))
}
