// Package signature authenticates inbound push notifications from the
// monitoring service.
//
// The sender signs `timestamp + "." + body` with HMAC-SHA256 over a
// pre-shared secret and sends the hex digest in X-Signature alongside an
// RFC3339 X-Timestamp. Verification is a pure function of the inputs, the
// secret, and the current time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// Header names for signed push notifications.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
)

// DefaultReplayWindow is the maximum accepted age of a signed request.
const DefaultReplayWindow = 5 * time.Minute

// Rejection reasons.
var (
	ErrMissingHeader      = errors.New("signature: missing signature or timestamp header")
	ErrBadTimestamp       = errors.New("signature: timestamp is not RFC3339")
	ErrStaleTimestamp     = errors.New("signature: timestamp outside replay window")
	ErrBadSignatureFormat = errors.New("signature: signature is not a 64-char hex string")
	ErrInvalidSignature   = errors.New("signature: signature mismatch")
)

// Verifier checks push notification signatures and freshness.
type Verifier struct {
	secret       []byte
	replayWindow time.Duration
	now          func() time.Time
}

// Option configures the verifier.
type Option func(*Verifier)

// WithReplayWindow overrides the replay window.
func WithReplayWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.replayWindow = d
		}
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:       []byte(secret),
		replayWindow: DefaultReplayWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates rawBody against the signature and timestamp headers.
// It returns nil when the request is authentic and fresh, or one of the
// package rejection errors.
func (v *Verifier) Verify(rawBody []byte, header http.Header) error {
	sig := header.Get(SignatureHeader)
	ts := header.Get(TimestampHeader)
	if sig == "" || ts == "" {
		return ErrMissingHeader
	}

	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ErrBadTimestamp
	}

	age := v.now().Sub(t)
	if age < 0 {
		age = -age
	}
	if age > v.replayWindow {
		return ErrStaleTimestamp
	}

	if len(sig) != 64 {
		return ErrBadSignatureFormat
	}
	supplied, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignatureFormat
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)

	// hmac.Equal is constant-time; any length or content mismatch rejects.
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex signature for a timestamp and body. Used by the
// outbound notifier and by tests; the inbound scheme is identical.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
