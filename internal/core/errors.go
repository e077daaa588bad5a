package core

import "errors"

// Error kinds surfaced by the pipeline (spec.md §7). Each is a sentinel
// wrapped with fmt.Errorf("...: %w", ErrXxx) at the point of failure so
// callers can classify with errors.Is while diagnostics keep full context.
var (
	ErrParse        = errors.New("parse error")
	ErrResolve      = errors.New("resolve error")
	ErrNetwork      = errors.New("network error")
	ErrTimeout      = errors.New("timeout error")
	ErrDecode       = errors.New("decode error")
	ErrPolicyDenied = errors.New("policy denied")
	ErrIO           = errors.New("io error")
	ErrConfig       = errors.New("config error")
)
