// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes (readyz pings Redis).
//   - GET /metrics for Prometheus scraping.
//   - POST /api/batches to upload a workbook, GET /api/batches[/{id}] for
//     status, plus cancel, delete and download under /api/batches/{id}.
//   - GET /api/i/{id}/{nice} serves a republished image.
//   - /api/admin/... for runtime settings and purge, guarded by a signed
//     admin cookie obtained from POST /api/admin/login.
package api
