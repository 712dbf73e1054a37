// Package main hosts the crawlkit binary, a single executable that runs
// any one of the pipeline's worker roles depending on the subcommand:
//
//   - discover: the Discovery Coordinator — resolves robots.txt, walks
//     sitemaps, and idempotently enqueues crawl messages per domain.
//   - crawl: the Crawler Worker — locks a URL, consults the politeness
//     gate, fetches it, persists raw content, and emits an index message.
//   - index: the Indexer Worker — chunks and embeds crawled content and
//     bulk-upserts it into the search index.
//   - reconcile: the standalone lease-reclaim scan, safe to run alongside
//     any number of the above.
//   - seed: the operator's entry point, publishing domains to the
//     discovery queue.
//
// Every subcommand shares one dependency-wired App (cmd.newApp): state
// store, politeness gate, blob store, queues, embedding client, and
// search index client, selected by the backends named in config. Each
// worker subcommand (discover, crawl, index, reconcile) also serves a
// health/readiness/metrics HTTP server on admin.port so it fits the same
// liveness/readiness probes regardless of role; seed publishes and exits
// without one.
//
// The memory-backed state store, rate limiter, and queues (the defaults)
// only make sense within a single process, so they are for tests and the
// package-level examples only; a real deployment always sets
// pubsub.driver=pubsub (the three queues must be shared across the
// discover/crawl/index processes), and typically state_store.driver=postgres,
// rate_limit.driver=redis, and blobs.driver=gcs, via a config file or
// CRAWLKIT_-prefixed environment variables. Run one role per process:
//
//	crawlkit seed example.test
//	crawlkit discover
//	crawlkit crawl
//	crawlkit index
package main
