package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQemuImgInfo(t *testing.T) {
	raw := []byte(`{
		"virtual-size": 21474836480,
		"actual-size": 196608,
		"format": "qcow2",
		"backing-filename": "/var/lib/clonebox/images/base/root.qcow2"
	}`)
	info, err := parseQemuImgInfo(raw, "/tmp/root.qcow2")
	require.NoError(t, err)
	assert.Equal(t, int64(21474836480), info.VirtualSize)
	assert.Equal(t, int64(196608), info.ActualSize)
	assert.Equal(t, "qcow2", info.Format)
	assert.Equal(t, "/var/lib/clonebox/images/base/root.qcow2", info.Backing)
}

func TestParseQemuImgInfoNoBacking(t *testing.T) {
	raw := []byte(`{"virtual-size": 1073741824, "actual-size": 196608, "format": "qcow2"}`)
	info, err := parseQemuImgInfo(raw, "/tmp/base.qcow2")
	require.NoError(t, err)
	assert.Empty(t, info.Backing)
}

func TestSplitExt(t *testing.T) {
	base, ext := splitExt("/var/lib/clonebox/images/dev/root.qcow2")
	assert.Equal(t, "/var/lib/clonebox/images/dev/root", base)
	assert.Equal(t, ".qcow2", ext)

	base, ext = splitExt("/var/lib/clonebox/images/dev/root")
	assert.Equal(t, "/var/lib/clonebox/images/dev/root", base)
	assert.Empty(t, ext)
}
