// Package cmd implements the kestrel CLI commands using Cobra.
//
// Available commands:
//   - run: Execute test suites
//   - validate: Check suite files and the run plan without executing
//   - list: Display the test instances a run would execute
//   - graph: Export the dependency graph in DOT format
//   - history: Show recorded runs and flaky tests
//   - init: Create a new kestrel project with an example suite
//   - version: Show kestrel version information
//
// Exit codes are defined in exitcodes.go.
package cmd
