package bridge

import (
	"net"
)

// loopbackAddress is advertised when no other IPv4 address is found.
const loopbackAddress = "127.0.0.1"

// interfaceAddrs is replaced in tests.
var interfaceAddrs = net.InterfaceAddrs

// LocalIPv4 returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 when there is none.
func LocalIPv4() string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return loopbackAddress
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return loopbackAddress
}
