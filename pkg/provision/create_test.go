package provision

import (
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []types.VMConfig{
		{},
		{Name: "dev"},
		{Name: "dev", VCPUs: 2},
		{Name: "dev", VCPUs: 2, MemoryBytes: 1 << 30},
	}
	for _, cfg := range cases {
		assert.Error(t, validate(cfg))
	}
}

func TestValidateRejectsInvalidName(t *testing.T) {
	names := []string{"Dev!", "../esc", "DEV", "1dev", "dev_box", "-dev", ""}
	for _, name := range names {
		cfg := types.VMConfig{Name: name, VCPUs: 2, MemoryBytes: 1 << 30, BaseImagePath: "/base.qcow2"}
		err := validate(cfg)
		assert.Error(t, err, "name %q", name)
		if name != "" {
			assert.Equal(t, types.ErrInvalidArgument, types.KindOf(err))
		}
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := types.VMConfig{
		Name:          "dev",
		VCPUs:         2,
		MemoryBytes:   1 << 30,
		BaseImagePath: "/var/lib/clonebox/base/ubuntu.qcow2",
	}
	assert.NoError(t, validate(cfg))
}

func TestRandomMACIsUniqueAndWellFormed(t *testing.T) {
	a, err := randomMAC()
	assert.NoError(t, err)
	b, err := randomMAC()
	assert.NoError(t, err)
	assert.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, a)
	assert.NotEqual(t, a, b)
}

func TestSubnetOctetIsDeterministicPerName(t *testing.T) {
	assert.Equal(t, subnetOctet("dev-net"), subnetOctet("dev-net"))
	assert.NotEqual(t, subnetOctet("dev-net"), subnetOctet("other-net"))
}
