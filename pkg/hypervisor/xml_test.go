package hypervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDomainXMLIncludesDisksAndNICs(t *testing.T) {
	cfg := DomainConfig{
		Name:      "dev-box",
		VCPUs:     2,
		MemoryMiB: 2048,
		Disks: []Disk{
			{Path: "/var/lib/clonebox/images/dev-box/root.qcow2", Format: "qcow2"},
		},
		NICs: []NIC{
			{MAC: "52:54:00:12:34:56"},
		},
		CDROMPaths: []string{"/var/lib/clonebox/images/dev-box/seed.iso"},
		SerialLog:  "/var/lib/clonebox/images/dev-box/console.log",
	}

	doc, err := buildDomainXML(cfg, "/var/lib/clonebox/state")
	require.NoError(t, err)

	assert.Contains(t, doc, `name>dev-box</name`)
	assert.Contains(t, doc, "root.qcow2")
	assert.Contains(t, doc, "52:54:00:12:34:56")
	assert.Contains(t, doc, "seed.iso")
	assert.Contains(t, doc, "org.qemu.guest_agent.0")
	assert.Contains(t, doc, "-qmp")
	assert.Contains(t, doc, "/var/lib/clonebox/state/dev-box/qmp.sock")
}

func TestBuildDomainXMLOmitsVsockWhenCIDIsZero(t *testing.T) {
	cfg := DomainConfig{Name: "no-vsock", VCPUs: 1, MemoryMiB: 512}
	doc, err := buildDomainXML(cfg, "/var/lib/clonebox/state")
	require.NoError(t, err)
	assert.False(t, strings.Contains(doc, "<vsock"))
}

func TestBuildDomainXMLIncludesVsockWhenCIDSet(t *testing.T) {
	cfg := DomainConfig{Name: "with-vsock", VCPUs: 1, MemoryMiB: 512, VsockCID: 42}
	doc, err := buildDomainXML(cfg, "/var/lib/clonebox/state")
	require.NoError(t, err)
	assert.Contains(t, doc, "<vsock")
	assert.Contains(t, doc, `address="42"`)
}

func TestQmpSocketPathIsDeterministic(t *testing.T) {
	a := qmpSocketPath("/var/lib/clonebox/state", "dev-box")
	b := qmpSocketPath("/var/lib/clonebox/state", "dev-box")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "dev-box/qmp.sock")
}
