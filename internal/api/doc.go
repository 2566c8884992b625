// Package api hosts the operator HTTP interface. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tasks and /v1/task for inspecting the task table.
//   - POST /v1/runs to trigger a discovery pass; GET /v1/runs/last for its report.
package api
