// Package prometheus exposes engine metrics as a prometheus.Collector.
//
// Counters are named authgate_*_total and the password latency histogram is
// authgate_first_factor_latency_seconds. Register the [Collector] with any
// registry, or mount [Handler] which uses a private one.
package prometheus
