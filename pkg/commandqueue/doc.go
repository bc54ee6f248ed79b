// Package commandqueue provides lane-based task serialization. A lane
// with concurrency 1 executes its tasks one at a time in arrival order,
// which is how agent turns are kept mutually exclusive; wider lanes can
// run background work concurrently.
package commandqueue
