// Package api exposes the negotiation protocol over HTTP: submission, status,
// the confirmation checkpoint, live event streams (SSE and WebSocket) and the
// agent directory.
package api
