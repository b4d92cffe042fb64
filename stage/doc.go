// Package stage runs pipeline stages over ZeroMQ.
//
// A Stage binds a ROUTER socket on its listen address and handles each
// inbound envelope in three steps:
//   - decode: undecodable input is rejected and never reaches the hook
//   - hook: a Hook transforms the envelope, one invocation per envelope
//   - route: the result is forwarded to the next stage over a DEALER socket,
//     or handed to a Sink when the stage is terminal
//
// Roles follow a fixed port convention: sender 3001, treater 3002,
// encrypter 3003, receiver 3004.
package stage
