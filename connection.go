// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"fmt"
	"net"
)

// ConnectionID identifies one connection instance of an endpoint. IDs are
// allocated in increasing order on each successful handshake, starting at 1.
// The zero value means "no connection".
type ConnectionID int64

// NoConnection is the ConnectionID of an endpoint that is not connected.
const NoConnection ConnectionID = 0

func (c ConnectionID) String() string {
	if c == NoConnection {
		return "Connection #none"
	}
	return fmt.Sprintf("Connection #%d", int64(c))
}

// State is the connection state of an endpoint.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DisconnectReason classifies why a connection was torn down.
type DisconnectReason int

const (
	// RequestedByEndpoint means the local endpoint disconnected on purpose.
	RequestedByEndpoint DisconnectReason = iota + 1

	// RequestedByRemoteEndpoint means the remote endpoint said goodbye.
	RequestedByRemoteEndpoint

	ReadFailure
	WriteFailure

	// RPCDuplicateRequest means the remote reused the id of a pending call.
	RPCDuplicateRequest

	// RPCInvalidResponse means the remote sent a frame that could not be
	// decoded.
	RPCInvalidResponse

	UnhandledException
	HeartbeatFailure
	ConnectionReset
	ConnectionAborted
	ConnectionTimedOut
	Unknown
)

// IsFailure reports whether r describes a failure, as opposed to a teardown
// that either endpoint asked for.
func (r DisconnectReason) IsFailure() bool {
	return r != RequestedByEndpoint && r != RequestedByRemoteEndpoint
}

var reasonNames = [...]string{
	RequestedByEndpoint:       "RequestedByEndpoint",
	RequestedByRemoteEndpoint: "RequestedByRemoteEndpoint",
	ReadFailure:               "ReadFailure",
	WriteFailure:              "WriteFailure",
	RPCDuplicateRequest:       "RPCDuplicateRequest",
	RPCInvalidResponse:        "RPCInvalidResponse",
	UnhandledException:        "UnhandledException",
	HeartbeatFailure:          "HeartbeatFailure",
	ConnectionReset:           "ConnectionReset",
	ConnectionAborted:         "ConnectionAborted",
	ConnectionTimedOut:        "ConnectionTimedOut",
	Unknown:                   "Unknown",
}

func (r DisconnectReason) String() string {
	if r > 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("DisconnectReason(%d)", int(r))
}

// ConnectionInfo describes the current connection of an endpoint.
type ConnectionInfo struct {
	ID     ConnectionID
	State  State
	Local  net.Addr // nil when not connected
	Remote net.Addr // nil when not connected
}
