// Package clock defines the time source injected into every component that
// needs to reason about lease expiry, retry backoff, or crawl timestamps.
package clock

import "time"

// Clock abstracts time.Now so lease-expiry and retry-backoff logic can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}
