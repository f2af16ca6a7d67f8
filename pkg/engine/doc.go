// Package engine is the thread lifecycle facade used by the HTTP API and
// the CLI. It admits turns, binds them to registry resources, queues one
// run per turn on a per-thread lane and reaps runs orphaned by a previous
// process.
package engine
