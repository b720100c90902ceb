// Package security derives a configuration posture report for the engine.
package security
