/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/
package cmd

import (
	"bytes"
	"testing"
)

func TestRootCmd_BoolFlagDefaults(t *testing.T) {
	names := []string{
		"no-audio", "no-css", "no-fonts", "no-frames", "no-images", "no-js",
		"no-video", "no-metadata", "unwrap-noscript", "isolate", "insecure",
		"ignore-errors", "quiet", "blacklist-domains",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			v, err := rootCmd.Flags().GetBool(name)
			if err != nil {
				t.Fatalf("GetBool(%q) error: %v", name, err)
			}
			if v {
				t.Errorf("flag %q default = true, want false", name)
			}
		})
	}
}

func TestRootCmd_ValuedFlagDefaults(t *testing.T) {
	timeout, err := rootCmd.Flags().GetInt("timeout")
	if err != nil {
		t.Fatalf("GetInt(timeout) error: %v", err)
	}
	if timeout != 120 {
		t.Errorf("timeout default = %d, want 120", timeout)
	}

	for _, name := range []string{"base-url", "cookie-file", "encoding", "output", "user-agent", "metrics-addr"} {
		v, err := rootCmd.Flags().GetString(name)
		if err != nil {
			t.Fatalf("GetString(%q) error: %v", name, err)
		}
		if v != "" {
			t.Errorf("flag %q default = %q, want empty", name, v)
		}
	}
}

func TestRootCmd_RequiresExactlyOneArg(t *testing.T) {
	if err := rootCmd.Args(rootCmd, nil); err == nil {
		t.Error("expected error with zero args")
	}
	if err := rootCmd.Args(rootCmd, []string{"a", "b"}); err == nil {
		t.Error("expected error with two args")
	}
	if err := rootCmd.Args(rootCmd, []string{"a"}); err != nil {
		t.Errorf("unexpected error with one arg: %v", err)
	}
}

func TestRootCmd_UsageOutput(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)

	if err := rootCmd.Usage(); err != nil {
		t.Errorf("Usage() returned error: %v", err)
	}
	if buf.String() == "" {
		t.Error("expected usage output, got empty string")
	}
}

func TestOptionsFromFlags_Defaults(t *testing.T) {
	opts, err := optionsFromFlags(rootCmd.Flags())
	if err != nil {
		t.Fatalf("optionsFromFlags() error: %v", err)
	}
	if opts.UserAgent == "" {
		t.Error("expected a default User-Agent")
	}
	if opts.Timeout.Seconds() != 120 {
		t.Errorf("Timeout = %v, want 120s", opts.Timeout)
	}
}

func TestOptionsFromFlags_BadCookieFile(t *testing.T) {
	if err := rootCmd.Flags().Set("cookie-file", "/nonexistent/cookies.txt"); err != nil {
		t.Fatalf("Set(cookie-file) error: %v", err)
	}
	defer func() { _ = rootCmd.Flags().Set("cookie-file", "") }()

	if _, err := optionsFromFlags(rootCmd.Flags()); err == nil {
		t.Error("expected an error for a missing cookie file")
	}
}
