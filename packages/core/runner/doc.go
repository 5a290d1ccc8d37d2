// Package runner drives a complete test run.
//
// It provides functionality for:
//   - Selecting tests by name, tags and the only flag, with their dependencies
//   - Resolving generic tests and expanding data rows and repeats
//   - Building the dependency graph and hook plans under a discovery timeout
//   - Executing the graph through the scheduler and pipeline
//   - Collecting terminal outcomes into a RunResult
//
// Discovery errors (cycles, conflicts, unresolved generics) are returned
// before any test body executes.
package runner
