// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package session

import "github.com/textrealm/commrouter/channel"

type (
	// LifetimeHandler is a callback invoked when a session is permanently
	// destroyed (not merely disconnected — reconnect is no longer
	// possible and the router has dropped its last reference).
	LifetimeHandler func(*Session)

	lifetime struct {
		onDestroyed []LifetimeHandler
	}
)

// Lifetime is the process-wide container of LifetimeHandlers.
var Lifetime = &lifetime{}

// OnDestroyed registers h to run whenever a session is destroyed.
func (lt *lifetime) OnDestroyed(h LifetimeHandler) {
	lt.onDestroyed = append(lt.onDestroyed, h)
}

// Destroy is called by the router once a session has been evicted. It
// releases every remaining channel subscription and runs the registered
// handlers. Calling Destroy more than once for the same session is a
// programming error.
func (lt *lifetime) Destroy(s *Session) {
	s.mu.Lock()
	var refs []struct {
		id  ChannelID
		sub ChannelSubscription
	}
	for id, sub := range s.subs {
		refs = append(refs, struct {
			id  ChannelID
			sub ChannelSubscription
		}{id, *sub})
	}
	s.subs = make(map[ChannelID]*ChannelSubscription)
	s.mu.Unlock()

	for _, r := range refs {
		ch := r.sub.Ref
		ch.UnregisterControlListener(s)
		if r.sub.Direction == channel.ToClient {
			ch.UnregisterReceiver(s)
		}
		ch.UnregisterPointerHolder(s)
	}

	for _, h := range lt.onDestroyed {
		h(s)
	}
}
