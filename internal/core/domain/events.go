package domain

import "time"

// EventKind names an event surfaced to the rendering collaborator.
type EventKind string

const (
	EventRosterUpdated EventKind = "roster.updated"
	EventFeedAvailable EventKind = "feed.available"
	EventFeedLost      EventKind = "feed.lost"
	EventChatMessage   EventKind = "chat.message"
)

// RosterEntry is one render-ready participant: the presence record plus
// whether a remote media feed for it has arrived.
type RosterEntry struct {
	Participant *Participant `json:"participant"`
	HasFeed     bool         `json:"hasFeed"`
}

// Event is the read-only notification stream for the UI layer. Exactly one
// of the payload fields is set, matching Kind.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	PeerID    ParticipantID `json:"peerId,omitempty"`
	Roster    []RosterEntry `json:"roster,omitempty"`
	Chat      *ChatMessage  `json:"chat,omitempty"`
}
