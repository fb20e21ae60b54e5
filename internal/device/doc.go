// Package device defines the device record tracked by the registry, the
// field-level patch used to update it, and the error taxonomy shared by the
// transports and the connection lifecycle manager.
//
// This package provides:
//   - Device: last-known advertised and connection state of one peripheral
//   - Patch: partial update applied field by field (last writer wins per field)
//   - ConnectionStatus values driven by the lifecycle state machine
//   - Sentinel and typed errors (not found, conflict, timeout, transient)
//   - UUID and local name normalization helpers
package device
