// Package pipeline runs one generation session end to end: it asks the
// synthesis engine for a plan, executes each step against the accumulated
// artifact, verifies the artifact after every step (repairing it once when the
// check fails), and finishes with a single refinement pass. Every transition is
// published on the event bus in execution order.
//
// An Orchestrator owns exactly one Session and must be driven from a single
// goroutine; observers only ever see Snapshot copies.
package pipeline
