// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package event implements the transport-agnostic envelope that carries
// text, structured messages, or channel-status changes between channels
// and the connection (spec.md §4.1). The envelope is move-only in the
// source system; Go has no language-level move semantics, so this package
// gets there with an explicit Move/Release/Clone contract and a single
// owning pointer convention: once an *Event has been Moved or Released,
// re-using it is a programming error the same way using a moved-from
// C++ object would be.
package event

import "fmt"

// Kind tags which payload an Event carries.
type Kind int

const (
	// Empty is the zero value: no payload, nothing to send.
	Empty Kind = iota
	// Text carries a TextLine.
	Text
	// Structured carries a StructuredPayload.
	Structured
	// ChannelStatus carries a ChannelStatusChange.
	ChannelStatus
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "Empty"
	case Text:
		return "Text"
	case Structured:
		return "Structured"
	case ChannelStatus:
		return "ChannelStatus"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// TextSegment is one run of text sharing a single style (plain or one ANSI
// SGR attribute set). Deep-copying a TextLine means copying every segment.
type TextSegment struct {
	Text string
	// ANSI is the SGR escape sequence to emit before Text when the
	// connection has ANSI rendering enabled, e.g. "\x1b[1;32m". Empty
	// means plain text.
	ANSI string
}

// TextLine is an owning, ordered sequence of styled segments making up one
// outbound or inbound line.
type TextLine struct {
	Segments []TextSegment
}

// Clone deep-copies the line element-wise, per spec.md §4.1.
func (t TextLine) Clone() TextLine {
	out := TextLine{Segments: make([]TextSegment, len(t.Segments))}
	copy(out.Segments, t.Segments)
	return out
}

// Plain returns the concatenation of every segment's text with all ANSI
// styling stripped — what a non-enhanced or color-disabled client sees.
func (t TextLine) Plain() string {
	s := ""
	for _, seg := range t.Segments {
		s += seg.Text
	}
	return s
}

// NewPlainTextLine builds a single-segment, unstyled TextLine.
func NewPlainTextLine(s string) TextLine {
	return TextLine{Segments: []TextSegment{{Text: s}}}
}

// StructuredPayload is the contract a structured message payload must
// satisfy. The concrete JSON codec is an external collaborator (spec.md
// §1); this package only needs enough of the shape to move and clone it.
type StructuredPayload interface {
	// Clone returns a deep copy of the payload.
	Clone() StructuredPayload
}

// ChannelStatusKind enumerates the channel lifecycle notifications the
// session emits toward the client (spec.md §4.2.3, §4.2.4).
type ChannelStatusKind int

const (
	ChannelOpen ChannelStatusKind = iota
	ChannelBlock
	ChannelUnblock
	ChannelClose
)

func (k ChannelStatusKind) String() string {
	switch k {
	case ChannelOpen:
		return "open"
	case ChannelBlock:
		return "block"
	case ChannelUnblock:
		return "unblock"
	case ChannelClose:
		return "close"
	default:
		return fmt.Sprintf("ChannelStatusKind(%d)", int(k))
	}
}

// ChannelStatusChange is the by-value payload of a ChannelStatus event.
type ChannelStatusChange struct {
	Status    ChannelStatusKind
	Name      string
	Subtype   string
	Direction string // "ToClient" or "FromClient", informational only
}

// Event is the move-only envelope. The zero Event is Empty and carries no
// payload, safe to use directly.
type Event struct {
	kind      Kind
	serialID  uint32
	channelID uint32

	text       TextLine
	structured StructuredPayload
	status     ChannelStatusChange
}

// NewText constructs a Text event.
func NewText(line TextLine, serialID, channelID uint32) Event {
	return Event{kind: Text, text: line, serialID: serialID, channelID: channelID}
}

// NewStructured constructs a Structured event.
func NewStructured(payload StructuredPayload, serialID, channelID uint32) Event {
	return Event{kind: Structured, structured: payload, serialID: serialID, channelID: channelID}
}

// NewChannelStatus constructs a ChannelStatus event.
func NewChannelStatus(status ChannelStatusChange, serialID, channelID uint32) Event {
	return Event{kind: ChannelStatus, status: status, serialID: serialID, channelID: channelID}
}

// Move transfers src's payload into a new Event and resets src to Empty,
// the Go equivalent of the source system's move-construction.
func Move(src *Event) Event {
	out := *src
	*src = Event{}
	return out
}

// Clone deep-copies the payload (spec.md §4.1): text line element-wise,
// structured message via its own Clone contract, channel-status by value.
func (e Event) Clone() Event {
	out := Event{kind: e.kind, serialID: e.serialID, channelID: e.channelID}
	switch e.kind {
	case Text:
		out.text = e.text.Clone()
	case Structured:
		if e.structured != nil {
			out.structured = e.structured.Clone()
		}
	case ChannelStatus:
		out.status = e.status
	}
	return out
}

// Release returns the owned payload and resets the envelope to Empty
// without "freeing" anything — Go's GC reclaims it once unreferenced.
func (e *Event) Release() (kind Kind, text TextLine, structured StructuredPayload, status ChannelStatusChange) {
	kind, text, structured, status = e.kind, e.text, e.structured, e.status
	*e = Event{}
	return
}

func (e Event) Kind() Kind        { return e.kind }
func (e Event) SerialID() uint32  { return e.serialID }
func (e Event) ChannelID() uint32 { return e.channelID }
func (e Event) IsEmpty() bool     { return e.kind == Empty }

// PayloadAsText returns the text payload and true iff Kind() == Text.
func (e Event) PayloadAsText() (TextLine, bool) {
	if e.kind != Text {
		return TextLine{}, false
	}
	return e.text, true
}

// PayloadAsStructured returns the structured payload and true iff
// Kind() == Structured.
func (e Event) PayloadAsStructured() (StructuredPayload, bool) {
	if e.kind != Structured {
		return nil, false
	}
	return e.structured, true
}

// PayloadAsChannelStatus returns the channel-status payload and true iff
// Kind() == ChannelStatus.
func (e Event) PayloadAsChannelStatus() (ChannelStatusChange, bool) {
	if e.kind != ChannelStatus {
		return ChannelStatusChange{}, false
	}
	return e.status, true
}

func (e Event) String() string {
	return fmt.Sprintf("Event{kind=%s serial=%d channel=%d}", e.kind, e.serialID, e.channelID)
}
