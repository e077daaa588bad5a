package core

import (
	"io"
	"os"
)

// Output is the CLI's write sink: an empty destination or "-" means stdout,
// anything else is a file created (truncated) at that path. Mirrors the
// original monolith CLI's Output enum (SPEC_FULL.md §7).
type Output struct {
	w       io.WriteCloser
	isStdio bool
}

// NewOutput opens destination for writing.
func NewOutput(destination string) (*Output, error) {
	if destination == "" || destination == "-" {
		return &Output{w: os.Stdout, isStdio: true}, nil
	}
	f, err := os.Create(destination)
	if err != nil {
		return nil, err
	}
	return &Output{w: f}, nil
}

// Write writes bytes to the sink, appending a trailing newline if bytes
// doesn't already end in one.
func (o *Output) Write(bytes []byte) error {
	if _, err := o.w.Write(bytes); err != nil {
		return err
	}
	if len(bytes) == 0 || bytes[len(bytes)-1] != '\n' {
		if _, err := o.w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if !o.isStdio {
		if f, ok := o.w.(*os.File); ok {
			return f.Sync()
		}
	}
	return nil
}

// Close closes the sink unless it is stdout.
func (o *Output) Close() error {
	if o.isStdio {
		return nil
	}
	return o.w.Close()
}
