// Package sqltools provides the database tools exposed to the agent:
// list_tables, introspect_schema and execute_sql.
//
// A Toolset is bound to one connection string and opens the connection
// lazily on first use. Connection failures are fatal for the run; query
// failures are reported to the model as tool results.
package sqltools
