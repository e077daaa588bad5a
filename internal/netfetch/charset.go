package netfetch

import (
	"bytes"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"
)

// detectMediaType implements the charset/media-type half of spec.md §4.3:
// an explicit Content-Type charset parameter wins, then a BOM sniff, then
// (for text/html) a <meta charset> declaration within the first 1024 bytes,
// else UTF-8. The media type itself comes from Content-Type when present,
// otherwise from content sniffing via gabriel-vasile/mimetype (falling back
// to the file extension for local reads with no header at all).
func detectMediaType(urlOrPath string, data []byte, contentType string) (mediaType, cs string) {
	if contentType != "" {
		mt, params, err := mime.ParseMediaType(contentType)
		if err == nil {
			mediaType = mt
			cs = strings.ToLower(params["charset"])
			if cs != "" {
				return mediaType, cs
			}
		} else {
			mediaType = contentType
		}
	}

	if mediaType == "" {
		if detected := mimetype.Detect(data); detected != nil {
			mediaType = detected.String()
			if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
				mediaType = mediaType[:idx]
			}
		}
		if mediaType == "" {
			if ext := filepath.Ext(urlOrPath); ext != "" {
				if guessed := mime.TypeByExtension(ext); guessed != "" {
					mediaType = guessed
				}
			}
		}
	}

	cs = sniffCharset(mediaType, data)
	return mediaType, cs
}

// metaCharsetRe finds a charset declared in a <meta charset> or
// <meta http-equiv ... content="...; charset=..."> tag.
var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([a-z0-9_:.\-]+)`)

func sniffCharset(mediaType string, data []byte) string {
	window := data
	if len(window) > 1024 {
		window = window[:1024]
	}

	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return "utf-8"
	}
	if bytes.HasPrefix(data, []byte{0xFE, 0xFF}) || bytes.HasPrefix(data, []byte{0xFF, 0xFE}) {
		return "utf-16"
	}

	if strings.Contains(mediaType, "html") {
		if m := metaCharsetRe.FindSubmatch(window); m != nil {
			if _, name := charset.Lookup(string(m[1])); name != "" {
				return name
			}
		}
	}

	return "utf-8"
}
