package hypervisor

import (
	"fmt"

	"github.com/mdlayher/vsock"
)

// ProbeVsockSupport reports whether the host kernel exposes the AF_VSOCK
// address family CloneBox needs for domains configured with a vsock guest
// channel instead of virtio-serial. It's cheap enough to call once at
// backend construction: opening and immediately closing a listener on the
// reserved "any port" is the same probe vsock-aware hypervisors use to
// decide whether to advertise the capability at all.
func ProbeVsockSupport() bool {
	l, err := vsock.Listen(vsock.ClientCIDAny, nil)
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// DialGuestVsock connects to a guest agent listening on cid/port over
// AF_VSOCK, for domains whose DomainConfig.VsockCID is non-zero. It's an
// alternate transport to the virtio-serial channel Exec otherwise uses;
// callers select it via Capabilities().SupportsVsock.
func DialGuestVsock(cid uint32, port uint32) (*vsock.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}
