// Package server implements the relay hub: the connection registry, the
// broadcast engine, the per-connection session handler and the HTTP and
// WebSocket surface that feeds them.
//
// The implementation is organized into specialized files for configuration,
// hub management, connections, sessions, routing, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
//
// All membership changes and broadcasts are sequenced by the Hub's event
// loop, so a broadcast issued before another is observed first by every
// recipient that stays connected.
package server
