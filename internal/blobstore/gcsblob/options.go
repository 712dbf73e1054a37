package gcsblob

import "google.golang.org/api/option"

type config struct {
	clientOpts []option.ClientOption
}

// Option configures the underlying storage.Client, primarily so tests can
// point New at an httptest server instead of the real GCS endpoint.
type Option func(*config)

// WithClientOptions passes through arbitrary storage client options (e.g.
// option.WithEndpoint, option.WithoutAuthentication in tests).
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *config) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}
