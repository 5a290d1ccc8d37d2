// Package descriptor defines the value objects kestrel schedules.
//
// It provides:
//   - TestDescriptor: the immutable declaration of one test (arguments,
//     constraints, dependencies, hooks, generic placeholders)
//   - Hook: a pre-bound lifecycle callable tagged with scope, direction and
//     declaration order
//   - Catalog: descriptors plus the type hierarchy and hook registrations
//   - Instance: one runnable, stateful execution of a descriptor
//
// Descriptors are produced once at discovery time by an external source
// (the suite loader, or any Go code building a Catalog) and are never
// mutated afterwards. Expand turns them into Instances.
package descriptor
