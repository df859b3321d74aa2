// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package session

import (
	"net"

	"github.com/textrealm/commrouter/event"
)

// SendReturnCode is the result of one transport-level send attempt
// (spec.md §4.4.6). The session's flag updates are driven entirely off
// this value, never off a transport-specific error type.
type SendReturnCode int

const (
	SendOK SendReturnCode = iota
	// SendOKBlocked: accepted, but the outgoing buffer is now full.
	SendOKBlocked
	// SendBlocked: not accepted; the buffer was already full.
	SendBlocked
	SendDisconnected
	// SendNotSupported: the transport cannot carry this payload kind at
	// all (e.g. a structured message on a plain socket, spec.md §4.4.6).
	SendNotSupported
)

func (c SendReturnCode) String() string {
	switch c {
	case SendOK:
		return "OK"
	case SendOKBlocked:
		return "OK_BLOCKED"
	case SendBlocked:
		return "BLOCKED"
	case SendDisconnected:
		return "DISCONNECTED"
	case SendNotSupported:
		return "NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Connection is everything a Session needs from its transport. Concrete
// transports (plain TCP, TLS, websocket) implement this; Session never
// imports the transport package, mirroring the teacher's
// session.NetworkEntity contract that *agent and *acceptor satisfy in
// cluster/agent.go and cluster/acceptor.go.
type Connection interface {
	// SendText pushes one text event over the wire.
	SendText(line event.TextLine, serialID SerialID, channelID ChannelID) SendReturnCode
	// SendStructured pushes one structured-message event over the wire.
	// Transports that cannot carry structured payloads (plain sockets,
	// spec.md §4.4.4) must return SendNotSupported.
	SendStructured(payload event.StructuredPayload, serialID SerialID, channelID ChannelID) SendReturnCode
	// SendChannelStatus pushes one channel-status event over the wire.
	SendChannelStatus(status event.ChannelStatusChange, serialID SerialID, channelID ChannelID) SendReturnCode
	// SendBareAck sends a standalone acknowledgement of incomingAck with
	// no event payload.
	SendBareAck(incomingAck SerialID) SendReturnCode
	// SendReconnectAck announces incomingAck as the one-shot reconnect
	// handshake frame (spec.md §4.2.7).
	SendReconnectAck(incomingAck SerialID) SendReturnCode

	// Disconnect forcibly closes the transport.
	Disconnect()
	RemoteAddr() net.Addr
}
