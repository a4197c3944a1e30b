/*
Package metrics provides Prometheus metrics collection and exposition for
the controller, plus the /health, /ready and /live HTTP handlers that
cmd/ctld serves on its metrics HTTP mux.

Metrics are registered at package init via prometheus.MustRegister and
exposed through Handler() for scraping. Collector samples the state store
and agent retry queue on a 15-second tick; RPC handlers and the background
loop update the remaining gauges/histograms/counters inline as they run.

See metrics.go for the metric catalogue and collector.go for the sampling
loop.
*/
package metrics
