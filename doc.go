// Package skiff is the distributed execution core of a dataframe query
// engine. It accepts an optimized physical plan (see the plan package),
// lowers it to a graph of partition-level tasks, and drives that graph to
// completion on an execution backend - either an in-process worker pool or
// a remote cluster - streaming root outputs back to the caller.
//
// This root package contains only the shared data model and contracts.
// The engine package is the public entry point for running plans.
package skiff
