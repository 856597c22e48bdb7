// Package mcp implements the client side of the Model Context Protocol
// connection layer: a transport contract with three concrete transports
// and a client that correlates requests and responses on top of them.
//
// MCP speaks JSON-RPC 2.0. Messages are carried over one of:
//   - process: a subprocess with newline-delimited JSON on stdin/stdout
//   - push: an HTTP event stream for inbound messages plus one POST per
//     outbound message, scoped by a server-assigned session id
//   - socket: a websocket with an application-level ping/pong heartbeat
//
// Transports do not interpret payloads. They emit connect, message,
// error and disconnect events to subscribers in strict order; the
// [Client] turns those into request/response calls (initialize,
// tools/list, tools/call, ping).
//
// This package covers the connection lifecycle only; schema validation
// and capability negotiation beyond the handshake are out of scope.
package mcp
