// Package status holds the coordinator's shared crawl state: the crawl status
// record with its monotonic peak-memory fields, the name server and queue
// server message files, cron gates, fetcher liveness and the per-crawl
// parameter documents. Every piece is persisted through crawl.RecordStore or
// crawl.StatusStore so any number of processes can share it.
package status
