package core

import (
	"net"
	"net/url"
	"strings"
)

// macAddress returns the first hardware address of an up, non-loopback
// interface as colon separated upper case hex.
func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String())
	}
	return "00:00:00:00:00:00"
}

// localIP is the address of the interface used to reach the internet. The
// UDP dial sends nothing.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// normalizeURL makes a server-relative or localhost url absolute using ip.
func normalizeURL(raw, ip string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	host := u.Hostname()
	if host == "" || host == "127.0.0.1" || host == "localhost" {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(ip, port)
		} else {
			u.Host = ip
		}
	}
	return u.String(), nil
}
