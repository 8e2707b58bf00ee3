// Package provision is the composition layer the CLI drives: it wires the
// Transaction Engine, Disk Manager, Cloud-Init Builder, Network Manager,
// and Hypervisor Backend together for the `create` and `destroy`
// operations. Nothing below this package knows about the others; this is
// the one place that does.
package provision
