// Package registry holds the operator-managed resources threads bind to:
// provider API keys, database connections and model configurations.
//
// The registry is a YAML file. A Registry keeps an immutable Snapshot of
// it and, when watching, swaps in a new snapshot after each successful
// reload. Readers never observe a partially loaded file.
package registry
