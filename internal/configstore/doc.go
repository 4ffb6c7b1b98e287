// Package configstore implements the hierarchical, mutable configuration
// document that the rest of fleetkeeper treats as the single source of
// truth for desired and runtime component state.
//
// A Store is a tree of Nodes. Every structural mutation (create, write,
// remove, merge) is submitted to a single writer goroutine so that readers
// never observe a torn update; subscriber callbacks run on a second,
// dedicated notification goroutine so a slow or panicking subscriber can
// never deadlock a writer or re-enter the tree mid-mutation.
//
// Values are a small closed set of variants (ConfigValue) with explicit
// coercion helpers in place of reflection-driven binding.
package configstore
