// Package toolexecutor holds the tool registry the agent loop calls into.
//
// Each tool declares typed parameters; arguments are checked against a
// JSON Schema generated from them before the handler runs. Handler errors
// are returned as ToolResult{Success: false}, never as Go errors, so a
// failed query stays a message in the thread. Errors wrapping ErrFatal
// mark the result Fatal and end the run.
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:       "list_tables",
//		Parameters: nil,
//		Handler:    listTables,
//	})
//	res := exec.Execute(ctx, "list_tables", nil, &toolexecutor.ExecutionContext{ThreadID: id})
package toolexecutor
