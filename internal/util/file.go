package util

import (
	"errors"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".pcm":  "audio/L16",
}

// ContentTypeFor 根据扩展名推断 Content-Type，未知类型回退到 application/octet-stream
func ContentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := audioContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return MimeOctetStream
}

// DetectAudio 深度校验音频内容，拒绝供应商以 200 返回的文本/JSON 错误体
func DetectAudio(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty audio payload")
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") || m.Is("application/json") {
			return mt.String(), errors.New("invalid audio payload: " + mt.String())
		}
	}
	return mt.String(), nil
}

// IsAudio 检测是否为音频
func IsAudio(mimeType string) bool {
	return strings.HasPrefix(mimeType, MimeAudio)
}
