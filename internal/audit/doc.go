// Package audit relays authentication outcomes to pluggable sinks.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, zap, func, no-op).
//   - [Dispatcher]: bounded async relay. On a full queue it blocks or drops;
//     drops are counted per event type and reported through zap.
//   - [Event]: structured audit record.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which
// events to emit; the engine and the flow functions do.
package audit
