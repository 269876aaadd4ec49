package transport

import (
	"io"
	"net"
	"strings"
)

const (
	// unknownAddrPrefix names links whose peer advertised no address.
	unknownAddrPrefix = "unknown:"
	// peerAddrSep joins an address and a node id when two nodes claim the
	// same address.
	peerAddrSep = "#"
)

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// dialBackAddr returns the address used to reach an accepted peer. A peer
// listening on a wildcard or empty host advertises an address that is the
// same on every machine, so the host is taken from the connection instead.
func dialBackAddr(advertised string, rw io.ReadWriteCloser) string {
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return advertised
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return advertised
		}
	}
	ra, ok := rw.(remoteAddresser)
	if !ok || ra.RemoteAddr() == nil {
		return advertised
	}
	rhost, _, err := net.SplitHostPort(ra.RemoteAddr().String())
	if err != nil {
		return advertised
	}
	return net.JoinHostPort(rhost, port)
}

// Dialable reports whether addr can be dialed to reach a peer again.
// Placeholder and disambiguated pool keys, and wildcard hosts, cannot.
func Dialable(addr string) bool {
	if addr == "" || strings.HasPrefix(addr, unknownAddrPrefix) || strings.Contains(addr, peerAddrSep) {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// Not host:port, e.g. an in-memory address.
		return true
	}
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsUnspecified()
}
