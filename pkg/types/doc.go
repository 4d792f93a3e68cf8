// Package types defines the shared data types of the task dispatcher:
// tasks and their typed parameters, execution contexts, worker capability
// snapshots, variables, cache records and execution results.
package types
