/*
Package types defines the data structures shared across CloneBox's core
components: VM configuration, secrets, transaction artifacts, snapshots,
health checks, and orchestration state.

# Core Types

VM configuration:
  - VMConfig: user-facing input to provisioning
  - AuthConfig: tagged variant over ssh_key / one_time_password / password
  - ResourceLimits, PathMount: optional tuning knobs

Secrets:
  - SecretReference: names a secret without carrying its value
  - Secret: a resolved value; String() always returns a redacted token

Transactions:
  - Artifact: one created resource, in creation order
  - TransactionJournal: the on-disk record used for rollback and recovery

Snapshots:
  - Snapshot: one node in a VM's snapshot forest
  - SnapshotTree: derived view, never itself persisted
  - SnapshotPolicy: retention rules enforced by a sweep

Health:
  - HealthCheckConfig, HealthCheckResult: per-probe configuration and state

Orchestration:
  - OrchestratedVM: one node in a compose document's dependency graph

# Errors

Error is the single error type every component returns, carrying a closed
ErrorKind taxonomy (see errors.go) instead of ad hoc sentinel values.
*/
package types
