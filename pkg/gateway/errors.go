package gateway

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrProviderAPIError is returned when the provider's API rejects a request
	ErrProviderAPIError = errors.New("payment provider API error")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
