package payment

import "errors"

// Error taxonomy. Push-triggered processing maps these onto HTTP responses:
// auth failures reject with 401, unknown payments and permanent upstream
// failures are acknowledged without redelivery, transient upstream failures
// return 5xx so the sender redelivers.
var (
	ErrRecordNotFound = errors.New("payment: record not found")
	ErrRecordExists   = errors.New("payment: record already exists")
	ErrValidation     = errors.New("payment: validation failure")

	// ErrUpstreamTransient marks a timeout or 5xx from a gateway; safe to
	// retry with backoff, and push-triggered failures should surface as 5xx.
	ErrUpstreamTransient = errors.New("payment: transient upstream failure")

	// ErrUpstreamPermanent marks a 4xx meaning the referenced order or
	// payment no longer exists or cannot be mutated; log, do not retry.
	ErrUpstreamPermanent = errors.New("payment: permanent upstream failure")
)
