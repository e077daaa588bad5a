/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/

// Package cmd implements the monolith CLI: a single self-contained HTML5
// document, assembled from a URL, local path, or stdin by inlining every
// reachable asset as a data URL.
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/cookiejar"
	"github.com/seckatie/monolith/internal/metrics"
	"github.com/seckatie/monolith/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "monolith [flags] <url>|<path>|-",
	Short: "Bundle a web page and its assets into a single HTML file",
	Long: `monolith saves a web page, including its CSS, images, and
JavaScript, as a single HTML5 document. The target may be a URL, a local
file path, or "-" to read from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoot,
}

// Execute runs the root command and exits with status 1 if it returns an
// error. This is called by main.main(); it only needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()

	flags.BoolP("no-audio", "a", false, "Remove audio sources")
	flags.BoolP("no-css", "c", false, "Remove CSS styles")
	flags.BoolP("no-fonts", "F", false, "Remove fonts")
	flags.BoolP("no-frames", "f", false, "Remove frames and iframes")
	flags.BoolP("no-images", "i", false, "Remove images")
	flags.BoolP("no-js", "j", false, "Remove JavaScript")
	flags.BoolP("no-video", "v", false, "Remove video sources")
	flags.BoolP("no-metadata", "M", false, "Exclude timestamp and source information")
	flags.BoolP("unwrap-noscript", "n", false, "Replace NOSCRIPT elements with their contents")
	flags.BoolP("isolate", "I", false, "Cut off document from any network connections")
	flags.BoolP("insecure", "k", false, "Allow invalid X.509 (TLS) certificates")
	flags.BoolP("ignore-errors", "e", false, "Ignore network errors, keep going")
	flags.BoolP("quiet", "q", false, "Suppress verbosity")
	flags.BoolP("blacklist-domains", "B", false, "Treat --domain list as a blacklist instead of a whitelist")

	flags.StringP("base-url", "b", "", "Set custom base URL")
	flags.StringP("cookie-file", "C", "", "Specify a file containing cookies in Netscape format")
	flags.StringP("encoding", "E", "", "Enforce custom character encoding")
	flags.StringArrayP("domain", "d", nil, "Enlist specific domain (can be repeated)")
	flags.StringP("output", "o", "", `Write output to <path> instead of stdout ("-" also means stdout)`)
	flags.IntP("timeout", "t", 120, "Network request timeout, in seconds")
	flags.StringP("user-agent", "u", "", "Custom User-Agent string")
	flags.String("metrics-addr", "", "Expose Prometheus metrics on this address (disabled if empty)")
}

func runRoot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	opts, err := optionsFromFlags(flags)
	if err != nil {
		return err
	}
	target := args[0]

	out, err := core.NewOutput(getString(flags, "output"))
	if err != nil {
		return fmt.Errorf("preparing output: %w", core.ErrIO)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && !opts.Silent {
			log.Printf("closing output: %v", cerr)
		}
	}()

	var rec orchestratorRecorder
	metricsAddr := getString(flags, "metrics-addr")
	ctx := cmd.Context()
	if metricsAddr != "" {
		r, reg := metrics.New()
		rec = r
		stopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go metrics.Serve(stopCtx, metricsAddr, reg)
	}

	run := orchestrator.New(afero.NewOsFs(), opts, rec)
	defer func() {
		if derr := run.Destroy(); derr != nil && !opts.Silent {
			log.Printf("cleaning up cache: %v", derr)
		}
	}()

	doc, err := run.CreateMonolithicDocument(ctx, target, opts)
	if err != nil {
		return err
	}

	if err := out.Write(doc); err != nil {
		return fmt.Errorf("writing output: %w", core.ErrIO)
	}
	return nil
}

// orchestratorRecorder is the subset of retrieve.Recorder the metrics
// package implements; declared locally so this file doesn't need to import
// internal/retrieve just to spell the interface.
type orchestratorRecorder interface {
	RecordFetch(int)
	RecordCacheHit()
	RecordPolicyDenied()
	RecordFailure()
}

// optionsFromFlags builds core.Options from the flag set, reading and
// parsing the cookie file (if any) along the way.
func optionsFromFlags(flags *pflag.FlagSet) (core.Options, error) {
	opts := core.Default()

	opts.NoAudio = getBool(flags, "no-audio")
	opts.NoCSS = getBool(flags, "no-css")
	opts.NoFonts = getBool(flags, "no-fonts")
	opts.NoFrames = getBool(flags, "no-frames")
	opts.NoImages = getBool(flags, "no-images")
	opts.NoJS = getBool(flags, "no-js")
	opts.NoVideo = getBool(flags, "no-video")
	opts.NoMetadata = getBool(flags, "no-metadata")
	opts.UnwrapNoscript = getBool(flags, "unwrap-noscript")
	opts.Isolate = getBool(flags, "isolate")
	opts.Insecure = getBool(flags, "insecure")
	opts.IgnoreErrors = getBool(flags, "ignore-errors")
	opts.Silent = getBool(flags, "quiet")
	opts.BlacklistDomains = getBool(flags, "blacklist-domains")

	opts.BaseURL = getString(flags, "base-url")
	opts.Encoding = getString(flags, "encoding")
	opts.UserAgent = getString(flags, "user-agent")
	if opts.UserAgent == "" {
		opts.UserAgent = core.DefaultUserAgent
	}

	domains, err := flags.GetStringArray("domain")
	if err != nil {
		return opts, fmt.Errorf("reading --domain: %w", core.ErrConfig)
	}
	opts.Domains = domains

	timeoutSeconds, err := flags.GetInt("timeout")
	if err != nil {
		return opts, fmt.Errorf("reading --timeout: %w", core.ErrConfig)
	}
	opts.Timeout = time.Duration(timeoutSeconds) * time.Second

	cookieFile := getString(flags, "cookie-file")
	if cookieFile != "" {
		contents, err := os.ReadFile(cookieFile)
		if err != nil {
			return opts, fmt.Errorf("reading cookie file %q: %w", cookieFile, core.ErrConfig)
		}
		cookies, err := cookiejar.ParseFile(string(contents))
		if err != nil {
			if !opts.Silent {
				log.Printf("cookie file %q: %v", cookieFile, err)
			}
			return opts, err
		}
		opts.Cookies = cookies
	}

	return opts, nil
}

func getBool(flags *pflag.FlagSet, name string) bool {
	v, _ := flags.GetBool(name)
	return v
}

func getString(flags *pflag.FlagSet, name string) string {
	v, _ := flags.GetString(name)
	return v
}
