// Package synth defines the contract of the external synthesis engine that
// plans a task, writes code for one step at a time, verifies an artifact,
// repairs it and performs the final refinement pass. Engines are treated as
// stateless request/response capabilities; Bounded enforces per-call
// deadlines on top of any implementation.
package synth
