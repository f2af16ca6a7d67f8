// Package agent runs the tool-calling loop that answers one user turn of a
// thread.
//
// Invariants:
// - A run starts only from a pending thread and ends it completed or error.
// - Messages are appended in the order they are produced.
// - Transient provider faults are retried; tool faults never are.
// - The turn budget bounds LLM round-trips per run.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Store: st, Logger: logger})
//	err := runner.Run(ctx, agent.RunParams{
//		ThreadID:         th.ID,
//		Provider:         agent.ProviderConfig{Provider: "anthropic", APIKey: key},
//		Model:            "claude-sonnet-4-5",
//		ConnectionString: "sqlite:///data/shop.db",
//	})
package agent
