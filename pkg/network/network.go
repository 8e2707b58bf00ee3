// Package network is the Network Manager: it ensures the virtual networks
// a VM's domain document references exist and are active, and it reports
// guest IP addresses by inspecting DHCP leases on the managed network when
// the guest-agent interface query the Hypervisor Backend prefers is
// unavailable (§4.3's "falling back to DHCP lease inspection").
package network

import (
	"context"
	"fmt"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"
)

// Lease is one DHCP lease reported by a managed virtual network.
type Lease struct {
	MAC       string
	IPAddress string
}

// Manager owns the libvirt virtual-network objects CloneBox's domains
// attach to. It never touches a domain definition; that's the Hypervisor
// Backend's job.
type Manager struct {
	conn   *libvirt.Libvirt
	logger zerolog.Logger
}

// New constructs a Manager over an already-connected libvirt client. The
// Hypervisor Backend and the Network Manager share one connection per §5
// ("the Hypervisor Backend connection is shared and must be safely used
// concurrently"); go-libvirt's client is safe for concurrent use from
// multiple goroutines.
func New(conn *libvirt.Libvirt, logger zerolog.Logger) *Manager {
	return &Manager{conn: conn, logger: logger}
}

// EnsureActive makes sure a virtual network named name exists and is
// active, defining it from xmlDoc if it doesn't exist yet. It is
// idempotent: calling it against an already-active network is a no-op.
func (m *Manager) EnsureActive(ctx context.Context, name, xmlDoc string) error {
	net, err := m.conn.NetworkLookupByName(name)
	if err != nil {
		net, err = m.conn.NetworkDefineXML(xmlDoc)
		if err != nil {
			return types.NewError(types.ErrExternalToolError, name, fmt.Errorf("define network: %w", err))
		}
	}

	active, err := m.conn.NetworkIsActive(net)
	if err != nil {
		return types.NewError(types.ErrExternalToolError, name, fmt.Errorf("query network state: %w", err))
	}
	if active == 1 {
		return nil
	}
	if err := m.conn.NetworkCreate(net); err != nil {
		return types.NewError(types.ErrExternalToolError, name, fmt.Errorf("start network: %w", err))
	}
	return nil
}

// Destroy deactivates and undefines a virtual network, tolerating it
// already being absent. It satisfies transaction.NetworkCleaner.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	net, err := m.conn.NetworkLookupByName(name)
	if err != nil {
		return nil // already absent
	}
	if active, _ := m.conn.NetworkIsActive(net); active == 1 {
		if err := m.conn.NetworkDestroy(net); err != nil {
			return types.NewError(types.ErrExternalToolError, name, fmt.Errorf("destroy network: %w", err))
		}
	}
	if err := m.conn.NetworkUndefine(net); err != nil {
		return types.NewError(types.ErrExternalToolError, name, fmt.Errorf("undefine network: %w", err))
	}
	return nil
}

// Exists reports whether a virtual network by this name is currently
// defined.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.conn.NetworkLookupByName(name)
	return err == nil, nil
}

// DHCPLeases returns the leases a managed network currently knows about.
func (m *Manager) DHCPLeases(ctx context.Context, networkName string) ([]Lease, error) {
	net, err := m.conn.NetworkLookupByName(networkName)
	if err != nil {
		return nil, types.NewError(types.ErrNotFound, networkName, err)
	}
	raw, _, err := m.conn.NetworkGetDhcpLeases(net, libvirt.OptString{}, -1, 0)
	if err != nil {
		return nil, types.NewError(types.ErrExternalToolError, networkName, fmt.Errorf("query dhcp leases: %w", err))
	}
	out := make([]Lease, 0, len(raw))
	for _, l := range raw {
		out = append(out, Lease{MAC: l.Mac, IPAddress: l.Ipaddr})
	}
	return out, nil
}

// IPForMAC finds the most recent lease for mac on networkName, returning
// AgentUnreachable-shaped "not found" semantics rather than an error when
// the guest simply hasn't picked up a lease yet.
func (m *Manager) IPForMAC(ctx context.Context, networkName, mac string) (string, bool, error) {
	leases, err := m.DHCPLeases(ctx, networkName)
	if err != nil {
		return "", false, err
	}
	for _, l := range leases {
		if l.MAC == mac {
			return l.IPAddress, true, nil
		}
	}
	return "", false, nil
}
