// Package orchestrator is the Orchestrator (§4.9): it reads a compose
// document describing a set of VMs and their DependsOn edges, levels that
// graph with Kahn's algorithm, and drives Up (level-parallel, health-gated)
// and Down (strict reverse order) across the whole set. Status is a
// read-only snapshot of each VM's last-known OrchestratedVMState, sourced
// from storage.Cache.
//
// The dependency graph itself is never persisted: compose.go rebuilds it
// from the document on every call, and orchestrator.go computes levels
// fresh each time Up or Down runs, so a document edit between runs takes
// effect immediately without a migration step.
package orchestrator
