package overlay

import "net"

// ShouldInitiate decides which side of a mutually discovered pair dials.
// local is this host's address on the peer's subnet ("" if none was found).
// The side with the lexicographically greater address waits; on equal
// addresses the side with the greater listen port waits.
func ShouldInitiate(local string, localPort uint16, remote string, remotePort uint16) bool {
	if local != "" && local > remote {
		return false
	}
	if local == remote && localPort > remotePort {
		return false
	}
	return true
}

// subnetAddress returns this host's interface address sharing a subnet with
// remote, or nil.
func subnetAddress(remote net.IP) net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.Contains(remote) {
				return ipnet.IP
			}
		}
	}
	return nil
}
