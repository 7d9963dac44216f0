// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by sources, the dispatcher and the service.
var (
	// Configuration errors
	ErrConfigInvalid = errors.New("gatekeeper: invalid configuration")

	// Source registration errors
	ErrAlreadyRegistered = errors.New("gatekeeper: callback already registered")
	ErrSourceClosed      = errors.New("gatekeeper: source closed")

	// Verdict errors
	ErrVerdictFailed     = errors.New("gatekeeper: verdict rejected by backend")
	ErrVerdictAlreadySet = errors.New("gatekeeper: verdict already set")
	ErrForeignPacket     = errors.New("gatekeeper: packet not produced by this source")
	ErrUnknownVerdict    = errors.New("gatekeeper: unknown verdict")

	// Platform errors
	ErrUnsupportedPlatform = errors.New("gatekeeper: backend not supported on this platform")
)
