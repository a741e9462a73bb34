// Package server implements the relay's HTTP front end.
//
// The implementation is organized into specialized files for routing,
// middleware, origin checks, WebSocket handlers and the admin broadcast
// trigger. WebSocket connections are handed to a dispatcher per mode: /ws
// speaks the multiplexed hub protocol and /ws/raw echoes plain text.
package server
