//go:build !linux

package doctor

import (
	"net"
	"strconv"
)

// portInUse probes by briefly binding the port. Hosts without netlink
// socket diagnostics have no way to inspect listeners from the outside.
func portInUse(port int) (bool, string, error) {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return true, "", nil
	}
	_ = l.Close()
	return false, "", nil
}
