// Package server carries chat events between browsers and the session layer
// over WebSocket.
//
// A Hub owns the live connections keyed by connection id and implements the
// session transport: direct sends, broadcasts and server-side disconnects are
// all non-blocking enqueues on per-client buffers. Each Client runs a read
// pump that parses JSON envelopes, applies the per-connection rate limit and
// forwards them to the Handler, and a write pump that batches queued events
// into text frames and keeps the connection alive with pings.
package server
