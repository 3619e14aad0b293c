// Package transport moves packages between nodes and clients.
//
// A Stream wraps one connection. Its reader goroutine decodes frames and posts
// them to the event loop, its writer goroutine drains an unbounded outbox so
// Write never blocks the loop. Requests are correlated by a 16 bit id, the
// response handler runs exactly once: with the response, after the timeout or
// when the connection drops.
//
// The tcp and unix sub packages provide Connectors, Listener runs the accept
// loop shared by both.
package transport
