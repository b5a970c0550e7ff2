// Package events carries coordinator lifecycle events (crawl start and stop,
// batch hand-off, upload outcomes, archive progress, restarts) from the
// request path to pluggable sinks. Emit never blocks; a background goroutine
// batches events and fans them out to sinks such as structured logs,
// Prometheus counters or a Pub/Sub topic.
package events
