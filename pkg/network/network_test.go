package network

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorAllocateWritesMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ssh_port")

	alloc := NewPortAllocator(40000, 40100)
	port, err := alloc.Allocate(marker)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 40000)
	assert.LessOrEqual(t, port, 40100)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	written, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, port, written)
}

func TestPortAllocatorAllocateIsIdempotentForSameMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ssh_port")

	alloc := NewPortAllocator(40000, 40100)
	first, err := alloc.Allocate(marker)
	require.NoError(t, err)

	second, err := alloc.Allocate(marker)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPortAllocatorRejectsExhaustedRange(t *testing.T) {
	dir := t.TempDir()

	// Hold the only port in range open so probeFreePort never succeeds.
	l, err := net.Listen("tcp", "127.0.0.1:40250")
	require.NoError(t, err)
	defer l.Close()

	alloc := NewPortAllocator(40250, 40250)
	marker := filepath.Join(dir, "ssh_port")
	_, err = alloc.Allocate(marker)
	assert.Error(t, err)
}
