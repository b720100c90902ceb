package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Instrument names.
const (
	AttemptsName        = "authgate.attempts"
	RegulatedName       = "authgate.regulated"
	LifecycleName       = "authgate.lifecycle"
	LatencyBucketName   = "authgate.first_factor.latency.bucket"
	LatencyCountName    = "authgate.first_factor.latency.count"
	AuditDroppedName    = "authgate.audit.dropped"
	attributeFactor     = "factor"
	attributeResult     = "result"
	attributeEvent      = "event"
	attributeUpperBound = "le"
	attributeEventType  = "event_type"
)

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDroppedByType() map[string]uint64
}

// attempt maps a per-factor verdict counter onto the attempts instrument.
type attempt struct {
	id     authgate.MetricID
	factor string
	result string
}

var attempts = []attempt{
	{authgate.MetricFirstFactorSuccess, "password", "success"},
	{authgate.MetricFirstFactorFailure, "password", "failure"},
	{authgate.MetricTOTPSuccess, "totp", "success"},
	{authgate.MetricTOTPFailure, "totp", "failure"},
	{authgate.MetricWebAuthnSuccess, "webauthn", "success"},
	{authgate.MetricWebAuthnFailure, "webauthn", "failure"},
}

type observed struct {
	id   authgate.MetricID
	opts metric.ObserveOption
}

// Exporter publishes engine snapshots through observable instruments.
//
// Password, TOTP and WebAuthn verdicts share one counter split by factor and
// result. Regulation refusals get their own counter so lockout pressure can
// be alerted on directly. The first-factor latency histogram is exposed as
// cumulative bucket gauges keyed by upper bound.
type Exporter struct {
	source       metricsSource
	registration metric.Registration

	attempts      metric.Int64ObservableCounter
	attemptSets   []observed
	regulated     metric.Int64ObservableCounter
	lifecycle     metric.Int64ObservableCounter
	lifecycleSets []observed
	latency       metric.Int64ObservableGauge
	latencyCount  metric.Int64ObservableCounter
	boundSets     [8]metric.ObserveOption
	auditDropped  metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, engine *authgate.Engine) (*Exporter, error) {
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var err error

	if e.attempts, err = meter.Int64ObservableCounter(AttemptsName,
		metric.WithDescription("Authentication verdicts by factor and result."),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", AttemptsName, err)
	}
	covered := make(map[authgate.MetricID]bool, len(attempts)+2)
	for _, a := range attempts {
		opts := metric.WithAttributes(
			attribute.String(attributeFactor, a.factor),
			attribute.String(attributeResult, a.result),
		)
		e.attemptSets = append(e.attemptSets, observed{id: a.id, opts: opts})
		covered[a.id] = true
	}

	if e.regulated, err = meter.Int64ObservableCounter(RegulatedName,
		metric.WithDescription("Attempts refused by brute-force regulation."),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", RegulatedName, err)
	}
	covered[authgate.MetricRegulated] = true

	if e.lifecycle, err = meter.Int64ObservableCounter(LifecycleName,
		metric.WithDescription("Session, identity validation and device lifecycle events."),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LifecycleName, err)
	}
	for _, def := range internaldefs.CounterDefs {
		if covered[def.ID] {
			continue
		}
		event := strings.TrimSuffix(strings.TrimPrefix(def.Name, "authgate_"), "_total")
		e.lifecycleSets = append(e.lifecycleSets, observed{
			id:   def.ID,
			opts: metric.WithAttributes(attribute.String(attributeEvent, event)),
		})
	}

	if e.latency, err = meter.Int64ObservableGauge(LatencyBucketName,
		metric.WithDescription("Cumulative first-factor checks at or under each latency bound, in seconds."),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LatencyBucketName, err)
	}
	for i := range e.boundSets {
		le := "+Inf"
		if i < len(internaldefs.HistogramBounds) {
			le = strconv.FormatFloat(internaldefs.HistogramBounds[i], 'g', -1, 64)
		}
		e.boundSets[i] = metric.WithAttributes(attribute.String(attributeUpperBound, le))
	}
	if e.latencyCount, err = meter.Int64ObservableCounter(LatencyCountName,
		metric.WithDescription("First-factor checks timed."),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LatencyCountName, err)
	}

	if e.auditDropped, err = meter.Int64ObservableCounter(AuditDroppedName,
		metric.WithDescription("Audit events dropped on a full dispatcher queue."),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", AuditDroppedName, err)
	}

	e.registration, err = meter.RegisterCallback(e.observe,
		e.attempts, e.regulated, e.lifecycle, e.latency, e.latencyCount, e.auditDropped)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

// observe reads one snapshot per collection so every instrument agrees.
func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()

	for _, a := range e.attemptSets {
		o.ObserveInt64(e.attempts, int64(snapshot.Counters[a.id]), a.opts)
	}
	o.ObserveInt64(e.regulated, int64(snapshot.Counters[authgate.MetricRegulated]))
	for _, l := range e.lifecycleSets {
		o.ObserveInt64(e.lifecycle, int64(snapshot.Counters[l.id]), l.opts)
	}

	if raw, ok := snapshot.Histograms[authgate.MetricFirstFactorLatency]; ok {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, n := range cumulative {
			o.ObserveInt64(e.latency, int64(n), e.boundSets[i])
		}
		o.ObserveInt64(e.latencyCount, int64(cumulative[len(cumulative)-1]))
	}

	dropped := e.source.AuditDroppedByType()
	types := make([]string, 0, len(dropped))
	for t := range dropped {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		o.ObserveInt64(e.auditDropped, int64(dropped[t]),
			metric.WithAttributes(attribute.String(attributeEventType, t)))
	}
	return nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
