// Package taxonomy declares the error kinds every external call site in the
// pipeline must distinguish, so callers can switch on disposition with
// errors.Is/errors.As instead of matching error strings.
package taxonomy

import "errors"

var (
	// ErrInvalidInput marks a URL or message that failed normalization or
	// carries an unsupported scheme. Disposition: drop, DLQ with reason.
	ErrInvalidInput = errors.New("taxonomy: invalid input")

	// ErrPolicyDeny marks a robots.txt disallow. Disposition: record done
	// with an empty raw_location, ack.
	ErrPolicyDeny = errors.New("taxonomy: policy deny")

	// ErrTransientNetwork marks a timeout, 5xx, DNS, or TLS handshake
	// failure. Disposition: retry with exponential backoff and jitter.
	ErrTransientNetwork = errors.New("taxonomy: transient network error")

	// ErrRateLimited marks a 429 from the crawl target or a gate deferral.
	// Disposition: defer via visibility timeout or scheduleRetry with a
	// server-supplied delay hint.
	ErrRateLimited = errors.New("taxonomy: rate limited")

	// ErrPermanentHTTP marks a 401/403/404/410 response. Disposition:
	// terminal failed, no DLQ.
	ErrPermanentHTTP = errors.New("taxonomy: permanent http error")

	// ErrLeaseLost marks a lease reclaimed by another worker mid-flight.
	// Disposition: abort in-flight work, no ack, no state write.
	ErrLeaseLost = errors.New("taxonomy: lease lost")

	// ErrStoreContention marks a rejected conditional write on the state
	// store. Disposition: surface as AlreadyHeld/Terminal, drop work.
	ErrStoreContention = errors.New("taxonomy: store contention")

	// ErrDownstreamOutage marks the embedding or search index service being
	// down. Disposition: retry with backoff, circuit-break when sustained.
	ErrDownstreamOutage = errors.New("taxonomy: downstream outage")

	// ErrCorruptPayload marks an extraction or parse failure on stored
	// content. Disposition: terminal failed, raw bytes kept for forensics.
	ErrCorruptPayload = errors.New("taxonomy: corrupt payload")
)
