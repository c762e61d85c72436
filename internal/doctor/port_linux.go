//go:build linux

package doctor

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tcpListen is the TCP_LISTEN socket state from linux/tcp_states.h.
const tcpListen = 10

// portInUse reports whether any TCP listener occupies port. The answer
// comes from netlink socket diagnostics, so the probe itself never binds.
func portInUse(port int) (bool, string, error) {
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		sockets, err := netlink.SocketDiagTCP(family)
		if err != nil {
			return false, "", fmt.Errorf("query socket diagnostics: %w", err)
		}
		for _, sock := range sockets {
			if sock.State != tcpListen {
				continue
			}
			if int(sock.ID.SourcePort) == port {
				return true, sock.ID.Source.String(), nil
			}
		}
	}
	return false, "", nil
}
