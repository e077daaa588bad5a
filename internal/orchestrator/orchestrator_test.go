package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/netfetch"
)

func init() {
	netfetch.AllowLoopbackForTesting = true
}

func TestCreateMonolithicDocumentFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><body><img src="/a.png"></body></html>`))
		case "/a.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("AAA"))
		}
	}))
	defer srv.Close()

	opts := core.Default()
	opts.NoMetadata = true
	run := New(afero.NewOsFs(), opts, nil)
	defer run.Destroy()

	out, err := run.CreateMonolithicDocument(context.Background(), srv.URL+"/", opts)
	if err != nil {
		t.Fatalf("CreateMonolithicDocument() error: %v", err)
	}
	if !strings.Contains(string(out), "data:image/png;base64,QUFB") {
		t.Errorf("output missing inlined image: %s", out)
	}
}

func TestCreateMonolithicDocumentFromLocalFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/page.html", []byte(`<html><body><p>hi</p></body></html>`), 0o644)

	opts := core.Default()
	opts.NoMetadata = true
	run := New(fs, opts, nil)
	defer run.Destroy()

	out, err := run.CreateMonolithicDocument(context.Background(), "/page.html", opts)
	if err != nil {
		t.Fatalf("CreateMonolithicDocument() error: %v", err)
	}
	if !strings.Contains(string(out), "<p>hi</p>") {
		t.Errorf("output missing body content: %s", out)
	}
}

func TestCreateMonolithicDocumentHonorsDeclaredCharset(t *testing.T) {
	// 0xE9 is "é" in ISO-8859-1 but invalid UTF-8 on its own; the header's
	// charset param must be consulted before any BOM/meta sniffing runs.
	body := []byte("<html><body><p>caf\xe9</p></body></html>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	opts := core.Default()
	opts.NoMetadata = true
	run := New(afero.NewOsFs(), opts, nil)
	defer run.Destroy()

	out, err := run.CreateMonolithicDocument(context.Background(), srv.URL+"/", opts)
	if err != nil {
		t.Fatalf("CreateMonolithicDocument() error: %v", err)
	}
	if !strings.Contains(string(out), "café") {
		t.Errorf("output = %q, want ISO-8859-1 body transcoded to UTF-8 \"café\"", out)
	}
}

func TestIdempotentOnOwnOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("AAA"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	opts := core.Default()
	opts.NoMetadata = true

	input := `<html><body><img src="` + srv.URL + `/a.png"></body></html>`
	_ = afero.WriteFile(fs, "/page.html", []byte(input), 0o644)

	run1 := New(fs, opts, nil)
	first, err := run1.CreateMonolithicDocument(context.Background(), "/page.html", opts)
	if err != nil {
		t.Fatalf("first pass error: %v", err)
	}
	_ = run1.Destroy()

	_ = afero.WriteFile(fs, "/page2.html", first, 0o644)
	run2 := New(fs, opts, nil)
	second, err := run2.CreateMonolithicDocument(context.Background(), "/page2.html", opts)
	if err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	_ = run2.Destroy()

	if string(first) != string(second) {
		t.Errorf("rewriting is not idempotent:\nfirst:  %s\nsecond: %s", first, second)
	}
}
