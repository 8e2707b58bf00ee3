// Package health is the Health Engine: it evaluates typed probes against a
// VM, maintains a per-probe consecutive failure/success state machine,
// schedules recurring checks in parallel, and dispatches on_failure /
// on_recovery actions when a probe's declared status transitions.
//
// Probes that target the guest run through hypervisor.Backend.Exec; probes
// that target the host run through the Process Runner or a direct host
// syscall (disk/memory usage). A probe's own typed config never leaks
// outside this package — callers only ever see a types.HealthCheckResult.
package health
