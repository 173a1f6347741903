// Package diag serves the optional diagnostics HTTP API: queue and task
// views, task submission and control, metrics and pprof.
package diag
