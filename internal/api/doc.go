// Package api hosts the optional operator HTTP endpoint. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for a JSON view of the running crawl.
package api
