// Package dataurl implements the RFC 2397 data-URL codec from
// SPEC_FULL.md §4.2.
package dataurl

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/seckatie/monolith/internal/core"
)

// Encode builds a "data:<mediaType>[;charset=<charset>];base64,<payload>"
// URL. charset may be empty, in which case no charset parameter is emitted.
func Encode(mediaType, charset string, data []byte) string {
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(mediaType)
	if charset != "" {
		b.WriteString(";charset=")
		b.WriteString(charset)
	}
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// Decode is the strict inverse of Encode.
func Decode(dataURL string) (mediaType, charset string, data []byte, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(dataURL, prefix) {
		return "", "", nil, fmt.Errorf("missing %q prefix: %w", prefix, core.ErrDecode)
	}
	rest := dataURL[len(prefix):]

	comma := strings.IndexByte(rest, ',')
	if comma == -1 {
		return "", "", nil, fmt.Errorf("missing comma separator: %w", core.ErrDecode)
	}
	meta := rest[:comma]
	payload := rest[comma+1:]

	isBase64 := false
	parts := strings.Split(meta, ";")
	mediaType = parts[0]
	for _, p := range parts[1:] {
		switch {
		case p == "base64":
			isBase64 = true
		case strings.HasPrefix(p, "charset="):
			charset = strings.TrimPrefix(p, "charset=")
		}
	}

	if !isBase64 {
		return "", "", nil, fmt.Errorf("non-base64 data URLs are not supported: %w", core.ErrDecode)
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", nil, fmt.Errorf("decoding base64 payload: %w: %v", core.ErrDecode, err)
	}

	return mediaType, charset, data, nil
}
