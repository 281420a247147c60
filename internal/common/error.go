// Package common defines shared constants and sentinel errors used across
// the bot's components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Startup errors.
	ErrConfiguration = errors.New("invalid configuration")

	// Vault-level errors.
	ErrNotFound            = errors.New("not found")
	ErrVaultUnavailable    = errors.New("credential store unavailable")
	ErrCredentialCorrupted = errors.New("stored credential unreadable")

	// Cipher errors (tampered ciphertext or wrong master key).
	ErrIntegrity = errors.New("integrity check failed")

	// Tracker errors.
	ErrInvalidCredentials = errors.New("tracker rejected credentials")
	ErrTrackerUnreachable = errors.New("tracker unreachable")
	ErrProtocol           = errors.New("unexpected tracker response")

	// Aggregation errors.
	ErrNotEnrolled = errors.New("user not enrolled")
)
