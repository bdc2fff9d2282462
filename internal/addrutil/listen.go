// Package addrutil normalizes the daemon's listen address into something a
// client can dial.
package addrutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SplitListen parses "host:port". The host may be empty, bracketed IPv6 or
// unbracketed IPv6 with a trailing ":port".
func SplitListen(addr string) (string, int, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", 0, fmt.Errorf("empty address")
	}

	host, portStr, err := net.SplitHostPort(a)
	if err != nil {
		// Unbracketed IPv6 "host:port": peel off the last ":port".
		last := strings.LastIndexByte(a, ':')
		if strings.Count(a, ":") < 2 || strings.HasPrefix(a, "[") || last == len(a)-1 {
			return "", 0, fmt.Errorf("address %q: want host:port", addr)
		}
		host, portStr = a[:last], a[last+1:]
		if net.ParseIP(host) == nil {
			return "", 0, fmt.Errorf("address %q: want host:port", addr)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("address %q: invalid port %q", addr, portStr)
	}
	return host, port, nil
}

// DialAddr turns a listen address into a dialable one. Wildcard hosts map to
// the loopback of the same family. Addresses with a scheme pass through.
func DialAddr(listen string) (string, bool) {
	if strings.Contains(listen, "://") {
		return listen, true
	}
	host, port, err := SplitListen(listen)
	if err != nil {
		return "", false
	}
	switch {
	case host == "":
		host = "127.0.0.1"
	case host == "0.0.0.0":
		host = "127.0.0.1"
	default:
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			host = "::1"
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}
