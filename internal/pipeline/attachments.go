package pipeline

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/openai"
)

const uploadDirName = "aistudio-uploads"

var extByMediaType = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"text/plain":      ".txt",
	"application/pdf": ".pdf",
}

// prepareAttachments materializes data: URIs into the request's private
// upload directory and validates every other reference against it.
// Network URLs and relative paths are rejected outright; nothing the
// client names may escape the directory. Returns the file list and the
// created directory, "" when the request carries no attachments.
func prepareAttachments(req *openai.Request) ([]string, string, error) {
	var refs []string
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Kind == openai.PartImageURL || p.Kind == openai.PartAttachment {
				refs = append(refs, p.URL)
			}
		}
	}
	if len(refs) == 0 {
		return nil, "", nil
	}

	dir := filepath.Join(os.TempDir(), uploadDirName, req.ReqID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create upload dir: %w", err)
	}

	var files []string
	for i, ref := range refs {
		path, err := resolveAttachment(dir, i, ref)
		if err != nil {
			removeUploadDir(dir)
			return nil, "", err
		}
		files = append(files, path)
	}
	return files, dir, nil
}

func resolveAttachment(dir string, index int, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return materializeDataURI(dir, index, ref)
	case strings.HasPrefix(ref, "file://"):
		parsed, err := url.Parse(ref)
		if err != nil {
			return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: unparseable file URL", index)}
		}
		return vetLocalPath(dir, index, parsed.Path)
	case filepath.IsAbs(ref):
		return vetLocalPath(dir, index, ref)
	default:
		return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: only data URIs and absolute upload paths are accepted", index)}
	}
}

// vetLocalPath accepts only files living inside this request's upload
// directory.
func vetLocalPath(dir string, index int, path string) (string, error) {
	clean := filepath.Clean(path)
	if clean != dir && !strings.HasPrefix(clean, dir+string(filepath.Separator)) {
		return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: path is outside the upload directory", index)}
	}
	if _, err := os.Stat(clean); err != nil {
		return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: file not found", index)}
	}
	return clean, nil
}

func materializeDataURI(dir string, index int, ref string) (string, error) {
	comma := strings.Index(ref, ",")
	if comma < 0 {
		return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: malformed data URI", index)}
	}
	meta := ref[len("data:"):comma]
	payload := ref[comma+1:]

	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: invalid base64 payload", index)}
		}
		data = decoded
		meta = strings.TrimSuffix(meta, ";base64")
	} else {
		unescaped, err := url.QueryUnescape(payload)
		if err != nil {
			return "", &interfaces.BadRequestError{Msg: fmt.Sprintf("attachment %d: invalid data payload", index)}
		}
		data = []byte(unescaped)
	}

	mediaType := strings.SplitN(meta, ";", 2)[0]
	ext, ok := extByMediaType[mediaType]
	if !ok {
		ext = ".bin"
	}
	path := filepath.Join(dir, fmt.Sprintf("upload-%d%s", index, ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write attachment %d: %w", index, err)
	}
	return path, nil
}

func removeUploadDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warnf("upload dir %s: cleanup failed: %v", dir, err)
	}
}
