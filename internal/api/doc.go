// Package api hosts the status server that runs next to a crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the current or most recent run state.
package api
