// Package gateway is the live event bus clients connect to.
//
// A single Hub goroutine owns connections and topic membership (actor pattern, no shared
// maps). Websocket connections get a dedicated writer goroutine; long-polling sessions
// buffer frames in a pollQueue between requests. Both are "outboxes" to the hub, so a slow
// or silent client is evicted the same way regardless of transport.
package gateway
