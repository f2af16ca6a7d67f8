// Package api is the JSON HTTP surface over the thread engine: thread
// creation and follow-ups, cursor polling, a WebSocket stream of the same
// frames, cancellation, the model catalog, health and metrics.
package api
