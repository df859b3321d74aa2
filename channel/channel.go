// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package channel defines the boundary the session talks across to reach
// the rest of the game engine. The channel implementation itself — text
// channels, structured-data channels, their internal queueing — is an
// external collaborator per spec.md §1 and §6; this package only pins
// down the interfaces the core consumes and the callbacks it implements.
package channel

import "github.com/textrealm/commrouter/event"

// Kind is the payload kind a Channel carries.
type Kind int

const (
	KindText Kind = iota
	KindStructured
)

func (k Kind) String() string {
	if k == KindStructured {
		return "Structured"
	}
	return "Text"
}

// Direction is which way traffic flows across a subscription (spec.md §3).
type Direction int

const (
	// ToClient: the session is registered as a receiver; data flows
	// channel -> session -> client.
	ToClient Direction = iota
	// FromClient: the session only pushes client input into the channel.
	FromClient
)

func (d Direction) String() string {
	if d == ToClient {
		return "ToClient"
	}
	return "FromClient"
}

// Channel is the contract a channel implementation exposes to a session
// (spec.md §6).
type Channel interface {
	Name() string
	Subtype() string
	Kind() Kind

	// SendItem attempts to push payload into the channel. It returns
	// false if the channel is currently blocked or already closed;
	// callers distinguish the two via IsBlocked/IsClosed.
	SendItem(payload interface{}) bool
	IsBlocked() bool
	IsClosed() bool
	CloseChannel()

	RegisterControlListener(l Listener)
	UnregisterControlListener(l Listener)
	RegisterReceiver(l Listener)
	UnregisterReceiver(l Listener)

	// RegisterPointerHolder/UnregisterPointerHolder implement the
	// reference-count discipline from spec.md §9's "pointer holder"
	// design note: while any holder is registered the channel must not
	// destruct itself out from under a session that still references it.
	RegisterPointerHolder(holder interface{})
	UnregisterPointerHolder(holder interface{})
}

// Listener is the set of callbacks a channel invokes on a session
// (spec.md §4.2.4, §6). A session implements this interface and registers
// itself via Channel.RegisterControlListener/RegisterReceiver.
type Listener interface {
	// ChannelFlowBlocked is called when the channel transitions to
	// blocked.
	ChannelFlowBlocked(c Channel)
	// ChannelFlowOpen is called when a previously-blocked channel can
	// accept data again.
	ChannelFlowOpen(c Channel)
	// ChannelFlowClosed is called once the channel has closed cleanly.
	ChannelFlowClosed(c Channel)
	// ChannelDestructed is called if the channel is torn down without
	// having gone through ChannelFlowClosed first.
	ChannelDestructed(c Channel)

	// TextChannelData is called by a ToClient text channel to push a new
	// line of output toward the client; the listener assigns its own
	// outbound serial id and queues it.
	TextChannelData(c Channel, line event.TextLine)
	// ClientChannelData is called by a ToClient structured channel to
	// push a new structured message toward the client.
	ClientChannelData(c Channel, payload event.StructuredPayload)
}
