package internaldefs

import (
	"github.com/MrEthical07/authgate"
)

// CounterDef names one engine counter.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

const (
	AuditDroppedName = "authgate_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped on a full dispatcher buffer."
)

var CounterDefs = []CounterDef{
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Created sessions."},
	{ID: authgate.MetricFirstFactorSuccess, Name: "authgate_first_factor_success_total", Help: "Accepted passwords."},
	{ID: authgate.MetricFirstFactorFailure, Name: "authgate_first_factor_failure_total", Help: "Rejected passwords."},
	{ID: authgate.MetricRegulated, Name: "authgate_regulated_total", Help: "Attempts refused by brute-force regulation."},
	{ID: authgate.MetricTOTPSuccess, Name: "authgate_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: authgate.MetricTOTPFailure, Name: "authgate_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: authgate.MetricWebAuthnSuccess, Name: "authgate_webauthn_success_total", Help: "Accepted WebAuthn assertions."},
	{ID: authgate.MetricWebAuthnFailure, Name: "authgate_webauthn_failure_total", Help: "Rejected WebAuthn assertions."},
	{ID: authgate.MetricIdentityValidationStarted, Name: "authgate_identity_validation_started_total", Help: "Identity validation links issued."},
	{ID: authgate.MetricIdentityValidationThrottled, Name: "authgate_identity_validation_throttled_total", Help: "Identity validation starts suppressed by the throttle."},
	{ID: authgate.MetricIdentityValidationCompleted, Name: "authgate_identity_validation_completed_total", Help: "Identity validation links consumed."},
	{ID: authgate.MetricIdentityValidationRejected, Name: "authgate_identity_validation_rejected_total", Help: "Unusable identity validation links."},
	{ID: authgate.MetricNotificationFailure, Name: "authgate_notification_failure_total", Help: "Links that could not be delivered."},
	{ID: authgate.MetricDeviceRegistered, Name: "authgate_device_registered_total", Help: "Registered second factor devices."},
	{ID: authgate.MetricPasswordReset, Name: "authgate_password_reset_total", Help: "Completed password resets."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logouts."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
}

var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricFirstFactorLatency, Name: "authgate_first_factor_latency_seconds", Help: "Password check latency including regulation."},
}

// HistogramBounds are the upper bounds of the engine's latency buckets in
// seconds. The last bucket is unbounded.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine's eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
