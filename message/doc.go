// Package message provides the envelope exchanged between pipeline stages.
//
// This package implements:
//   - Payload / data-unit codec: text units travel verbatim, binary units as Base64
//   - Envelope: routing head (origination, destination, treatment, encryption,
//     case, activity) plus an ordered sequence of data units
//   - Wire formats: JSON and XML head/body documents and an Arrow IPC stream
//
// An Envelope is not safe for concurrent mutation. Stages decode a fresh
// Envelope for every inbound message.
package message
