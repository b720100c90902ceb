// Package otel bridges engine metrics to an OpenTelemetry meter.
//
// Verdict counters are folded into one authgate.attempts instrument with
// factor and result attributes; regulation refusals stay on their own
// counter. The first-factor latency histogram is observed as cumulative
// bucket gauges with an "le" attribute plus a count. The caller owns the
// MeterProvider.
package otel
