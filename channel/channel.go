// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides transports for tether endpoints.
//
// Every transport yields a [net.Conn] carrying a reliable ordered byte
// stream, which can be passed to the Connect or Accept method of an endpoint,
// and every listener implements [net.Listener], which can be passed to the
// Serve method of an endpoint.
package channel

import (
	"context"
	"net"
	"strings"

	"github.com/creachadair/tether"
)

// Pipe constructs a connected pair of in-memory connections. Data written to
// A is read from B and vice versa.
func Pipe() (A, B net.Conn) { return net.Pipe() }

// Listen listens on the given address, whose network is chosen by
// [SplitAddress].
func Listen(addr string) (net.Listener, error) {
	return net.Listen(SplitAddress(addr))
}

// Dial connects to the given address, whose network is chosen by
// [SplitAddress]. If the address cannot be reached before ctx ends, Dial
// reports a *tether.NoSuchEndpointError.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	network, target := SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, &tether.NoSuchEndpointError{Address: addr, Err: err}
	}
	return conn, nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
