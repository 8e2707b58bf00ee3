package network

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/clonebox-dev/clonebox/pkg/types"
)

// maxAllocationAttempts bounds the retry loop in Allocate against
// concurrent creates racing for the same port (§5's "collisions ... are
// detected and retried up to a small bound").
const maxAllocationAttempts = 20

// PortAllocator reserves host TCP ports for user-mode networking out of a
// configured range. Reservation is two steps: bind-and-release (a quick
// liveness probe, not a hold) followed by writing a marker file into the
// VM's directory before the domain is defined, so a concurrent create for a
// different VM sees the marker and skips the same port.
type PortAllocator struct {
	low, high int
}

// NewPortAllocator constructs an allocator over the inclusive [low, high]
// range.
func NewPortAllocator(low, high int) *PortAllocator {
	return &PortAllocator{low: low, high: high}
}

// Allocate finds a free port in the configured range, writes it as ASCII
// into markerPath (typically <images_root>/<vm>/ssh_port), and returns it.
// Collisions — another process having just claimed the same port between
// the probe and the marker write — are detected by checking for an
// existing, different marker file and retried.
func (a *PortAllocator) Allocate(markerPath string) (int, error) {
	if existing, ok, err := readMarker(markerPath); err != nil {
		return 0, err
	} else if ok {
		return existing, nil // idempotent re-entry: already allocated for this VM
	}

	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		port, err := a.probeFreePort()
		if err != nil {
			return 0, err
		}
		claimed, err := a.claim(markerPath, port)
		if err != nil {
			return 0, err
		}
		if claimed {
			return port, nil
		}
		// Another concurrent Allocate call won the race for this exact
		// port; loop and try a different one.
	}
	return 0, types.NewError(types.ErrInternal, markerPath,
		fmt.Errorf("no free port found in range %d-%d after %d attempts", a.low, a.high, maxAllocationAttempts))
}

// probeFreePort asks the OS for any free port in range by binding and
// immediately releasing a listener. This is inherently racy against other
// processes (hence the marker-file claim step and the retry loop).
func (a *PortAllocator) probeFreePort() (int, error) {
	for port := a.low; port <= a.high; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, types.NewError(types.ErrInternal, "",
		fmt.Errorf("no listenable port in range %d-%d", a.low, a.high))
}

// claim atomically creates markerPath with port's ASCII value, using
// O_EXCL so two concurrent callers racing for the same port can't both
// succeed.
func (a *PortAllocator) claim(markerPath string, port int) (bool, error) {
	f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, types.NewError(types.ErrInternal, markerPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(port)); err != nil {
		return false, types.NewError(types.ErrInternal, markerPath, err)
	}
	return true, nil
}

func readMarker(markerPath string) (int, bool, error) {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, types.NewError(types.ErrInternal, markerPath, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, types.NewError(types.ErrInternal, markerPath, err)
	}
	return port, true, nil
}
