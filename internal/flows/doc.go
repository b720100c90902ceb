// Package flows contains the orchestrators behind every Engine operation that
// changes authentication state.
//
// Each flow function (RunFirstFactor, RunSubmitTOTP, RunStartIdentityValidation,
// etc.) accepts the current session plus a typed dependency struct and returns
// the next session. Transitions go through [session.Apply]; persistence,
// regulation and credential checks are reached only through the dependency
// functions, so flows are unit tested with plain closures.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root package (to avoid import cycles).
//   - Reveal to callers why a credential or identity check failed.
package flows
