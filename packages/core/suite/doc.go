// Package suite loads test catalogs from YAML suite files.
//
// A suite declares types (with their base types), lifecycle hooks and tests.
// Test bodies and hooks are shell commands run with sh -c in the suite's
// directory. Each command sees KESTREL_TEST_ID, KESTREL_CLASS,
// KESTREL_METHOD, KESTREL_ATTEMPT and KESTREL_ARGS (a JSON array); hooks
// also see KESTREL_SCOPE and KESTREL_SCOPE_KEY.
//
// Files are checked against an embedded JSON schema before they are decoded.
package suite
