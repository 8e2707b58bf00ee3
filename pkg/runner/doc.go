// Package runner is CloneBox's sole boundary to external processes: the
// Disk Manager, Secrets Resolver, Cloud-Init Builder's key generation, and
// host-side health probes all shell out through Run rather than calling
// os/exec directly.
package runner
