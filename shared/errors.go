package shared

import "errors"

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoConfig            = errors.New("no config provided")
	ErrNoDispatcher        = errors.New("no dispatcher provided")
	ErrNotConnected        = errors.New("upstream not connected")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamProtocol    = errors.New("upstream protocol violation")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotReady     = errors.New("session not ready")
	ErrDuplicateSession    = errors.New("duplicate session id")
	ErrSetupTimeout        = errors.New("upstream setup timed out")
	ErrInvalidTransition   = errors.New("invalid session status transition")
	ErrClientGone          = errors.New("client handle gone")
)
