// Package collyfetcher implements crawler.Fetcher using gocolly/colly/v2,
// wiring a per-request collector clone and OnResponse/OnError
// hooks to the worker's FetchRequest/FetchResponse shapes, and layering
// redirect limiting and bounded-body truncation on top.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlkit/core/internal/crawler"
)

// Fetcher implements crawler.Fetcher using a pooled Colly collector.
type Fetcher struct {
	baseCollector *colly.Collector
	transport     http.RoundTripper
}

// New builds a Fetcher backed by a connection-pooled transport.
func New() *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{baseCollector: c, transport: transport}
}

// Fetch executes a single HTTP GET through a cloned collector, honoring
// ctx cancellation, req.MaxRedirects, and req.MaxBodyBytes.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result    crawler.FetchResponse
		fetchErr  error
		truncated bool
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	base := f.transport
	if base == nil {
		base = newHTTPTransport()
	}
	collector.WithTransport(&boundedTransport{base: base, maxBodyBytes: req.MaxBodyBytes, truncated: &truncated})

	maxRedirects := req.MaxRedirects
	collector.SetRedirectHandler(func(httpReq *http.Request, via []*http.Request) error {
		if maxRedirects > 0 && len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	})

	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResponse{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Truncated:  truncated,
			RetryAfter: parseRetryAfter(*r.Headers),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			result.StatusCode = r.StatusCode
			result.Header = r.Headers.Clone()
		}
	})

	if err := f.runCollector(ctx, collector, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	if fetchErr != nil {
		return crawler.FetchResponse{}, fmt.Errorf("colly response failed: %w", fetchErr)
	}
	return result, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// truncatingBody caps the number of bytes read from the underlying response
// body at remaining, marking *truncated rather than returning an error.
type truncatingBody struct {
	io.ReadCloser
	remaining int64
	truncated *bool
}

func (t *truncatingBody) Read(p []byte) (int, error) {
	if t.remaining <= 0 {
		*t.truncated = true
		return 0, io.EOF
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.ReadCloser.Read(p)
	t.remaining -= int64(n)
	return n, err
}

type boundedTransport struct {
	base         http.RoundTripper
	maxBodyBytes int64
	truncated    *bool
}

func (b *boundedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := b.base.RoundTrip(req)
	if err != nil || resp.Body == nil || b.maxBodyBytes <= 0 {
		return resp, err
	}
	resp.Body = &truncatingBody{ReadCloser: resp.Body, remaining: b.maxBodyBytes, truncated: b.truncated}
	return resp, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
