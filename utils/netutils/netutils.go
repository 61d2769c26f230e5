/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"
	"strconv"
	"time"
)

// IsInAddrAny reports whether addr binds every interface.
func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::" || addr == "::/0" || addr == "0.0.0.0"
}

// GetOutboundIP returns the local address used to reach the outside world.
// No packets are sent.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// GetAdvertiseAddress returns the host name other processes should use to
// reach a server bound to bindAddress.
func GetAdvertiseAddress(bindAddress string) (string, error) {
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}

// IsPortAvailable reports whether a listener could currently bind port.
func IsPortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// IsAcceptingConnections reports whether something is listening on addr.
func IsAcceptingConnections(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
