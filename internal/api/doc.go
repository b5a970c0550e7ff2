// Package api hosts the HTTP server, middleware, and handlers of the crawl
// coordinator. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /fetch/{crawlTime,schedule,archiveSchedule} and POST /fetch/update
//     for fetchers, also reachable as /fetch?a=<activity>. Every fetch call
//     carries time and session=sha256hex(time+secret).
//   - /v1/crawl/... and /v1/schedules for operators, behind X-API-Key when
//     auth is enabled.
package api
