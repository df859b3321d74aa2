// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package session implements the durable per-client session: the state
// machine described end to end in spec.md §4.2. A Session survives
// transport reconnects, owns the outgoing/sent/blocked queues, and is the
// only place that talks to both the Connection (transport) and the
// Channel (game engine) boundaries.
//
// The source system this was distilled from (mutgos' comm_ClientSession)
// gives the session a single re-entrant lock so that, deep inside
// Service(), it can call back into a channel which calls back into the
// session without deadlocking. Go has no re-entrant sync.Mutex, so this
// implementation takes a different, equally common Go approach instead:
// every method that needs to call out to a Channel or a Connection
// snapshots what it needs under the lock, releases the lock, performs the
// call, and re-acquires the lock to record the result. No two exported
// methods ever hold s.mu while calling into each other.
package session

import (
	"sync"
	"time"

	"github.com/textrealm/commrouter/channel"
	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/internal/log"
)

// ErrNoFreeChannelID is returned by ChannelAdded when the subscription
// table has exhausted the [1, MaxChannelID) allocation range (spec.md
// §4.2.9).
type ErrNoFreeChannelID struct{}

func (ErrNoFreeChannelID) Error() string { return "session: no free channel id" }

// Scheduler is how a Session asks its owner to run Service() again. The
// router implements this; tests can use a trivial stub.
type Scheduler interface {
	SessionNeedsService(s *Session)
}

// ChannelSubscription is the per-session record of one attached channel
// (spec.md §3).
type ChannelSubscription struct {
	ChannelID ChannelID
	Ref       channel.Channel
	Direction channel.Direction
	Closed    bool
	Blocked   bool
}

// Stats is the snapshot returned by Session.Stats (spec.md §4.2.1, and
// SPEC_FULL §C.3 for IsEnhanced).
type Stats struct {
	EntityID       EntityID
	Connected      bool
	EstablishedAt  time.Time
	LastActivityAt time.Time
	IsEnhanced     bool
	ClientSource   string
	ClientType     string
}

// ChannelInfo is one entry of Session.GetChannelInfo.
type ChannelInfo struct {
	ChannelID ChannelID
	Name      string
	Subtype   string
	Kind      channel.Kind
	Direction channel.Direction
	Blocked   bool
}

// Session is the durable per-client state machine (spec.md §3, §4.2).
type Session struct {
	id ID

	mu sync.Mutex

	conn Connection

	outgoing []event.Event
	sent     []event.Event

	outgoingAck SerialID
	incomingAck SerialID

	needsAckSent             bool
	needsService             bool
	needHandleReconnect      bool
	needsDisconnect          bool
	waitingReconnectResponse bool
	clientBlocked            bool
	clientConnected          bool

	clientWindowSize uint32

	subs           map[ChannelID]*ChannelSubscription
	blockedQueues  map[ChannelID][]event.Event
	pendingUnblock map[ChannelID]struct{}
	pendingDelete  map[ChannelID]struct{}

	lastChannelID ChannelID
	lastMessageID SerialID

	establishedAt  time.Time
	lastActivityAt time.Time

	entityID     EntityID
	clientSource string
	clientType   string
	isEnhanced   bool

	scheduler Scheduler
}

// New constructs a Session in the pre-reconnect, not-yet-connected state.
// The router calls this once per successful authentication (spec.md
// §3 Lifecycle) and never again for the lifetime of the entity's session.
func New(id ID, entity EntityID, windowSize uint32, sched Scheduler) *Session {
	now := time.Now()
	return &Session{
		id:               id,
		clientWindowSize: windowSize,
		subs:             make(map[ChannelID]*ChannelSubscription),
		blockedQueues:    make(map[ChannelID][]event.Event),
		pendingUnblock:   make(map[ChannelID]struct{}),
		pendingDelete:    make(map[ChannelID]struct{}),
		establishedAt:    now,
		lastActivityAt:   now,
		entityID:         entity,
		scheduler:        sched,
	}
}

func (s *Session) ID() ID             { return s.id }
func (s *Session) EntityID() EntityID { return s.entityID }

// requestServiceLocked marks the session as needing a Service() pass and
// notifies the scheduler. Assumes s.mu is held.
func (s *Session) requestServiceLocked() {
	s.needsService = true
	if s.scheduler != nil {
		s.scheduler.SessionNeedsService(s)
	}
}

// enqueueLocked appends ev to the outgoing queue. Assumes s.mu is held.
func (s *Session) enqueueLocked(ev event.Event) {
	s.outgoing = append(s.outgoing, ev)
}

// nextMessageIDLocked implements spec.md §4.2.9: increments, skipping the
// reserved 0 on wrap. Assumes s.mu is held.
func (s *Session) nextMessageIDLocked() SerialID {
	s.lastMessageID++
	if s.lastMessageID == 0 {
		s.lastMessageID = 1
	}
	return s.lastMessageID
}

// nextChannelIDLocked scans upward from lastChannelID for a free id,
// wrapping modulo MaxChannelID (spec.md §4.2.9). Assumes s.mu is held.
func (s *Session) nextChannelIDLocked() (ChannelID, error) {
	if ChannelID(len(s.subs)) >= MaxChannelID-1 {
		return 0, ErrNoFreeChannelID{}
	}
	id := s.lastChannelID
	for i := ChannelID(0); i < MaxChannelID; i++ {
		id++
		if id == 0 || id >= MaxChannelID {
			id = 1
		}
		if _, taken := s.subs[id]; !taken {
			s.lastChannelID = id
			return id, nil
		}
	}
	return 0, ErrNoFreeChannelID{}
}

func (s *Session) findByRefLocked(ch channel.Channel) (ChannelID, *ChannelSubscription) {
	for id, sub := range s.subs {
		if sub.Ref == ch {
			return id, sub
		}
	}
	return 0, nil
}

// SetConnection installs or swaps the transport (spec.md §4.2.1). A swap
// preserves every queue; the session is transport-independent.
func (s *Session) SetConnection(conn Connection) {
	s.mu.Lock()
	s.conn = conn
	s.needHandleReconnect = true
	s.waitingReconnectResponse = true
	s.clientBlocked = false
	s.clientConnected = true
	s.requestServiceLocked()
	s.mu.Unlock()
}

// ConnectionDropped marks the transport gone without discarding state
// (spec.md §4.2.1); the session enters limbo awaiting reconnect.
func (s *Session) ConnectionDropped() {
	s.mu.Lock()
	s.clientConnected = false
	s.mu.Unlock()
}

// RequestDisconnect asks the session to tear down its transport on the
// next Service tick (spec.md §4.2.1).
func (s *Session) RequestDisconnect() {
	s.mu.Lock()
	s.needsDisconnect = true
	s.requestServiceLocked()
	s.mu.Unlock()
}

// Stats returns a point-in-time snapshot (spec.md §4.2.1).
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		EntityID:       s.entityID,
		Connected:      s.clientConnected,
		EstablishedAt:  s.establishedAt,
		LastActivityAt: s.lastActivityAt,
		IsEnhanced:     s.isEnhanced,
		ClientSource:   s.clientSource,
		ClientType:     s.clientType,
	}
}

// SetClientInfo records the client-type metadata a transport discovers at
// handshake time (non-enhanced socket client, enhanced client, etc.).
func (s *Session) SetClientInfo(source, clientType string, enhanced bool) {
	s.mu.Lock()
	s.clientSource = source
	s.clientType = clientType
	s.isEnhanced = enhanced
	s.mu.Unlock()
}

// AdvanceLastActivity bumps the last-activity timestamp; called by the
// transport on every inbound line/heartbeat, mirroring the teacher's
// AdvanceLastTimeTo.
func (s *Session) AdvanceLastActivity(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastActivityAt) {
		s.lastActivityAt = t
	}
	s.mu.Unlock()
}

// GetChannelInfo returns a snapshot of every subscription (spec.md
// §4.2.1).
func (s *Session) GetChannelInfo() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelInfo, 0, len(s.subs))
	for id, sub := range s.subs {
		out = append(out, ChannelInfo{
			ChannelID: id,
			Name:      sub.Ref.Name(),
			Subtype:   sub.Ref.Subtype(),
			Kind:      sub.Ref.Kind(),
			Direction: sub.Direction,
			Blocked:   sub.Blocked,
		})
	}
	return out
}

// ChannelAdded attaches ch to the session (spec.md §4.2.3).
func (s *Session) ChannelAdded(ch channel.Channel, toClient bool) (ChannelID, error) {
	dir := channel.FromClient
	if toClient {
		dir = channel.ToClient
	}

	s.mu.Lock()
	id, err := s.nextChannelIDLocked()
	if err != nil {
		s.mu.Unlock()
		log.Printf("session %s: %v", s.id, err)
		s.needsDisconnect = true
		return 0, err
	}
	sub := &ChannelSubscription{ChannelID: id, Ref: ch, Direction: dir}
	s.subs[id] = sub
	mid := s.nextMessageIDLocked()
	s.enqueueLocked(event.NewChannelStatus(event.ChannelStatusChange{
		Status: event.ChannelOpen, Name: ch.Name(), Subtype: ch.Subtype(), Direction: dir.String(),
	}, mid, id))
	s.mu.Unlock()

	ch.RegisterControlListener(s)
	if toClient {
		ch.RegisterReceiver(s)
	}
	ch.RegisterPointerHolder(s)

	if ch.IsBlocked() {
		s.mu.Lock()
		sub.Blocked = true
		mid := s.nextMessageIDLocked()
		s.enqueueLocked(event.NewChannelStatus(event.ChannelStatusChange{
			Status: event.ChannelBlock, Name: ch.Name(), Subtype: ch.Subtype(),
		}, mid, id))
		s.requestServiceLocked()
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.requestServiceLocked()
		s.mu.Unlock()
	}

	return id, nil
}

// RequestChannelClose asks the named channel to close itself. Per
// SPEC_FULL §C.5 this resolves spec.md's Open Question about
// client_request_channel_close: it does nothing beyond CloseChannel()
// and lets the ordinary ChannelFlowClosed callback drive cleanup.
func (s *Session) RequestChannelClose(id ChannelID) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.Ref.CloseChannel()
}

// ChannelFlowBlocked implements channel.Listener (spec.md §4.2.4).
func (s *Session) ChannelFlowBlocked(ch channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		return
	}
	if sub.Direction == channel.FromClient && !sub.Blocked {
		sub.Blocked = true
		delete(s.pendingUnblock, id)
		mid := s.nextMessageIDLocked()
		s.enqueueLocked(event.NewChannelStatus(event.ChannelStatusChange{
			Status: event.ChannelBlock, Name: ch.Name(), Subtype: ch.Subtype(),
		}, mid, id))
		s.requestServiceLocked()
	}
}

// ChannelFlowOpen implements channel.Listener (spec.md §4.2.4). Draining
// of the blocked queue is deferred to Service().
func (s *Session) ChannelFlowOpen(ch channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		return
	}
	s.pendingUnblock[id] = struct{}{}
	s.requestServiceLocked()
}

// ChannelFlowClosed implements channel.Listener (spec.md §4.2.4).
func (s *Session) ChannelFlowClosed(ch channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		return
	}
	mid := s.nextMessageIDLocked()
	s.enqueueLocked(event.NewChannelStatus(event.ChannelStatusChange{
		Status: event.ChannelClose, Name: ch.Name(), Subtype: ch.Subtype(),
	}, mid, id))
	sub.Closed = true
	s.pendingDelete[id] = struct{}{}
	s.requestServiceLocked()
}

// ChannelDestructed implements channel.Listener (spec.md §4.2.4).
func (s *Session) ChannelDestructed(ch channel.Channel) {
	s.mu.Lock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		s.mu.Unlock()
		return
	}
	alreadyClosed := sub.Closed
	s.mu.Unlock()

	if alreadyClosed {
		return
	}
	log.Printf("session %s: channel %d destructed without prior close", s.id, id)
	s.ChannelFlowClosed(ch)
}

// TextChannelData implements channel.Listener: a ToClient text channel
// pushing new output toward the client (spec.md §6).
func (s *Session) TextChannelData(ch channel.Channel, line event.TextLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		return
	}
	mid := s.nextMessageIDLocked()
	s.enqueueLocked(event.NewText(line, mid, id))
	s.requestServiceLocked()
}

// ClientChannelData implements channel.Listener: a ToClient structured
// channel pushing new output toward the client (spec.md §6).
func (s *Session) ClientChannelData(ch channel.Channel, payload event.StructuredPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, sub := s.findByRefLocked(ch)
	if sub == nil {
		return
	}
	mid := s.nextMessageIDLocked()
	s.enqueueLocked(event.NewStructured(payload, mid, id))
	s.requestServiceLocked()
}

// ClientTextData delivers inbound client text to the channel layer
// (spec.md §4.2.5).
func (s *Session) ClientTextData(channelID ChannelID, serialID SerialID, line event.TextLine) {
	s.clientData(channelID, serialID, channel.KindText, line, nil)
}

// ClientStructuredData delivers inbound client structured data to the
// channel layer (spec.md §4.2.5).
func (s *Session) ClientStructuredData(channelID ChannelID, serialID SerialID, payload event.StructuredPayload) {
	s.clientData(channelID, serialID, channel.KindStructured, event.TextLine{}, payload)
}

func (s *Session) clientData(channelID ChannelID, serialID SerialID, kind channel.Kind, line event.TextLine, payload event.StructuredPayload) {
	s.mu.Lock()
	sub, ok := s.subs[channelID]
	if !ok {
		s.mu.Unlock()
		log.Printf("session %s: client data on unknown channel %d", s.id, channelID)
		return
	}

	if sub.Direction == channel.ToClient {
		s.needsDisconnect = true
		s.requestServiceLocked()
		s.mu.Unlock()
		return
	}

	s.lastActivityAt = time.Now()
	s.incomingAck = serialID
	s.needsAckSent = true

	if sub.Blocked {
		s.pushBlockedLocked(channelID, kind, line, payload, serialID)
		s.mu.Unlock()
		return
	}

	if sub.Closed {
		s.mu.Unlock()
		log.Printf("session %s: dropping client data for closed channel %d", s.id, channelID)
		return
	}

	if sub.Ref.Kind() != kind {
		s.needsDisconnect = true
		s.requestServiceLocked()
		s.mu.Unlock()
		return
	}

	ch := sub.Ref
	s.mu.Unlock()

	var item interface{}
	if kind == channel.KindText {
		item = line
	} else {
		item = payload
	}

	if ch.SendItem(item) {
		return
	}

	if ch.IsClosed() {
		return
	}
	if ch.IsBlocked() {
		s.mu.Lock()
		sub.Blocked = true
		s.pushBlockedLocked(channelID, kind, line, payload, serialID)
		s.mu.Unlock()
		return
	}
	log.Printf("session %s: channel %d send_item failed", s.id, channelID)
}

// pushBlockedLocked appends to the per-channel blocked queue, enforcing
// the window-overflow protocol violation from spec.md §4.2.5 step 4.
// Assumes s.mu is held.
func (s *Session) pushBlockedLocked(channelID ChannelID, kind channel.Kind, line event.TextLine, payload event.StructuredPayload, serialID SerialID) {
	queue := s.blockedQueues[channelID]
	if uint32(len(queue)+1) > s.clientWindowSize {
		s.needsDisconnect = true
		s.requestServiceLocked()
		return
	}
	var ev event.Event
	if kind == channel.KindText {
		ev = event.NewText(line, serialID, channelID)
	} else {
		ev = event.NewStructured(payload, serialID, channelID)
	}
	s.blockedQueues[channelID] = append(queue, ev)
}

// ClientAck processes an acknowledgement of outbound data (spec.md
// §4.2.6).
func (s *Session) ClientAck(serialID SerialID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doClientAckLocked(serialID)
}

func (s *Session) doClientAckLocked(serialID SerialID) {
	if serialID == 0 {
		s.needsDisconnect = true
		s.requestServiceLocked()
		return
	}

	idx := -1
	for i, ev := range s.sent {
		if ev.SerialID() == serialID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.needsDisconnect = true
		s.requestServiceLocked()
		return
	}

	s.sent = s.sent[idx+1:]
	s.outgoingAck = serialID

	if len(s.outgoing) > 0 && !s.clientBlocked {
		s.requestServiceLocked()
	}
}

// ClientAckReconnect processes the one-shot reconnect acknowledgement
// (spec.md §4.2.7).
func (s *Session) ClientAckReconnect(serialID SerialID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.waitingReconnectResponse {
		s.needsDisconnect = true
		s.requestServiceLocked()
		return
	}
	s.waitingReconnectResponse = false

	if serialID == 0 {
		s.outgoingAck = 0
	} else if serialID != s.outgoingAck {
		s.doClientAckLocked(serialID)
	}

	if len(s.sent) > 0 {
		retransmit := make([]event.Event, len(s.sent))
		copy(retransmit, s.sent)
		s.outgoing = append(retransmit, s.outgoing...)
		s.sent = s.sent[:0]
	}

	s.requestServiceLocked()
}

// ClientUnblocked implements spec.md §4.2.1: the transport reports it can
// accept more bytes.
func (s *Session) ClientUnblocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientBlocked = false
	if len(s.outgoing) > 0 {
		s.requestServiceLocked()
	}
}

func (s *Session) applySendReturnLocked(code SendReturnCode) {
	switch code {
	case SendOK:
	case SendOKBlocked:
		s.clientBlocked = true
	case SendBlocked:
		s.clientBlocked = true
	case SendDisconnected:
		s.clientBlocked = true
		s.clientConnected = false
	case SendNotSupported:
		s.needsDisconnect = true
	}
}

func (s *Session) handleSendReturn(code SendReturnCode) {
	s.mu.Lock()
	s.applySendReturnLocked(code)
	s.mu.Unlock()
}

// drainBlockedQueue implements spec.md §4.2.8 step 4 for one channel.
func (s *Session) drainBlockedQueue(id ChannelID) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	ch := sub.Ref
	s.mu.Unlock()

	for {
		s.mu.Lock()
		queue := s.blockedQueues[id]
		if len(queue) == 0 {
			s.mu.Unlock()
			break
		}
		head := queue[0]
		s.mu.Unlock()

		var item interface{}
		if text, ok := head.PayloadAsText(); ok {
			item = text
		} else if structured, ok := head.PayloadAsStructured(); ok {
			item = structured
		}

		if ch.SendItem(item) {
			s.mu.Lock()
			q := s.blockedQueues[id]
			if len(q) > 0 {
				s.blockedQueues[id] = q[1:]
			}
			s.mu.Unlock()
			continue
		}

		if ch.IsBlocked() {
			break
		}
		if ch.IsClosed() {
			break
		}

		log.Printf("session %s: channel %d blocked-queue send failed, dropping item", s.id, id)
		s.mu.Lock()
		q := s.blockedQueues[id]
		if len(q) > 0 {
			s.blockedQueues[id] = q[1:]
		}
		s.mu.Unlock()
	}

	if ch.IsBlocked() {
		return
	}

	s.mu.Lock()
	queue := s.blockedQueues[id]
	sub, ok = s.subs[id]
	if ok && len(queue) == 0 && sub.Blocked {
		sub.Blocked = false
		mid := s.nextMessageIDLocked()
		s.enqueueLocked(event.NewChannelStatus(event.ChannelStatusChange{
			Status: event.ChannelUnblock, Name: ch.Name(), Subtype: ch.Subtype(),
		}, mid, id))
		s.requestServiceLocked()
	}
	s.mu.Unlock()
}

// Service drains queues into the transport (spec.md §4.2.8). It is the
// only method that may pop from outgoing, and the router guarantees it
// never runs concurrently with itself for the same session.
func (s *Session) Service() {
	s.mu.Lock()
	s.needsService = false

	if s.needsDisconnect {
		conn := s.conn
		s.clientConnected = false
		s.mu.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
		return
	}

	var toDelete []ChannelID
	for id := range s.pendingDelete {
		toDelete = append(toDelete, id)
	}
	type closeWork struct {
		id  ChannelID
		sub ChannelSubscription
	}
	var closeItems []closeWork
	for _, id := range toDelete {
		if sub, ok := s.subs[id]; ok {
			closeItems = append(closeItems, closeWork{id, *sub})
			delete(s.subs, id)
			delete(s.blockedQueues, id)
		}
		delete(s.pendingDelete, id)
	}
	s.mu.Unlock()

	for _, w := range closeItems {
		ch := w.sub.Ref
		ch.UnregisterControlListener(s)
		if w.sub.Direction == channel.ToClient {
			ch.UnregisterReceiver(s)
		}
		ch.CloseChannel()
		ch.UnregisterPointerHolder(s)
	}

	s.mu.Lock()
	var toUnblock []ChannelID
	for id := range s.pendingUnblock {
		toUnblock = append(toUnblock, id)
		delete(s.pendingUnblock, id)
	}
	s.mu.Unlock()

	for _, id := range toUnblock {
		s.drainBlockedQueue(id)
	}

	s.mu.Lock()
	if s.needHandleReconnect {
		conn := s.conn
		ack := s.incomingAck
		s.needsAckSent = false
		s.needHandleReconnect = false
		s.waitingReconnectResponse = true
		s.mu.Unlock()
		if conn != nil {
			code := conn.SendReconnectAck(ack)
			s.handleSendReturn(code)
		}
		return
	}

	if s.waitingReconnectResponse || s.clientBlocked {
		s.mu.Unlock()
		return
	}

	if s.needsAckSent {
		conn := s.conn
		ack := s.incomingAck
		s.needsAckSent = false
		s.mu.Unlock()
		if conn != nil {
			code := conn.SendBareAck(ack)
			s.handleSendReturn(code)
		}
		s.mu.Lock()
	}

	for !s.clientBlocked && len(s.outgoing) > 0 && uint32(len(s.sent)) < s.clientWindowSize {
		ev := s.outgoing[0]
		conn := s.conn
		s.mu.Unlock()

		var code SendReturnCode
		if conn == nil {
			code = SendDisconnected
		} else {
			switch ev.Kind() {
			case event.Text:
				line, _ := ev.PayloadAsText()
				code = conn.SendText(line, ev.SerialID(), ev.ChannelID())
			case event.Structured:
				payload, _ := ev.PayloadAsStructured()
				code = conn.SendStructured(payload, ev.SerialID(), ev.ChannelID())
			case event.ChannelStatus:
				status, _ := ev.PayloadAsChannelStatus()
				code = conn.SendChannelStatus(status, ev.SerialID(), ev.ChannelID())
			default:
				log.Printf("session %s: unknown event kind in outgoing queue", s.id)
				code = SendOK
			}
		}

		s.mu.Lock()
		accepted := code == SendOK || code == SendOKBlocked
		if accepted {
			s.outgoing = s.outgoing[1:]
			s.sent = append(s.sent, ev)
		}
		s.applySendReturnLocked(code)
		if !accepted {
			break
		}
	}
	s.mu.Unlock()
}
