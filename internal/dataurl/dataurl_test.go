package dataurl

import (
	"bytes"
	"testing"
)

func TestEncode(t *testing.T) {
	got := Encode("image/png", "", []byte("AAA"))
	want := "data:image/png;base64,QUFB"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeWithCharset(t *testing.T) {
	got := Encode("text/css", "utf-8", []byte("a"))
	want := "data:text/css;charset=utf-8;base64,YQ=="
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		mediaType string
		charset   string
		data      []byte
	}{
		{"image/png", "", []byte("\x89PN")},
		{"text/css", "utf-8", []byte("body{background:#fff}")},
		{"application/octet-stream", "", []byte{}},
		{"font/woff2", "", bytes.Repeat([]byte{0xAB}, 200)},
	}
	for _, c := range cases {
		encoded := Encode(c.mediaType, c.charset, c.data)
		mt, cs, data, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) error: %v", encoded, err)
		}
		if mt != c.mediaType || cs != c.charset || !bytes.Equal(data, c.data) {
			t.Errorf("round trip mismatch: got (%q,%q,%v), want (%q,%q,%v)", mt, cs, data, c.mediaType, c.charset, c.data)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := []string{
		"not-a-data-url",
		"data:image/png;base64",
		"data:text/plain,plain-not-base64",
	}
	for _, b := range bad {
		if _, _, _, err := Decode(b); err == nil {
			t.Errorf("Decode(%q) expected error, got nil", b)
		}
	}
}
