package domain

import "time"

type ParticipantID string

// MediaFlag names one of the three boolean media-state flags a participant
// advertises through the directory.
type MediaFlag string

const (
	FlagMuted         MediaFlag = "muted"
	FlagVideoOff      MediaFlag = "video_off"
	FlagScreenSharing MediaFlag = "screen_sharing"
)

// Participant is one presence record: identity plus current media-state
// flags. Written only by the owning participant; read by all room members.
type Participant struct {
	ID              ParticipantID `json:"id"`
	Name            string        `json:"name"`
	Avatar          string        `json:"avatar,omitempty"`
	IsMuted         bool          `json:"isMuted"`
	IsVideoOff      bool          `json:"isVideoOff"`
	IsScreenSharing bool          `json:"isScreenSharing"`
	LastSeen        time.Time     `json:"lastSeen"`
}

// SetFlag updates one media-state flag in place.
func (p *Participant) SetFlag(flag MediaFlag, value bool) {
	switch flag {
	case FlagMuted:
		p.IsMuted = value
	case FlagVideoOff:
		p.IsVideoOff = value
	case FlagScreenSharing:
		p.IsScreenSharing = value
	}
}

// Flag reads one media-state flag.
func (p *Participant) Flag(flag MediaFlag) bool {
	switch flag {
	case FlagMuted:
		return p.IsMuted
	case FlagVideoOff:
		return p.IsVideoOff
	case FlagScreenSharing:
		return p.IsScreenSharing
	}
	return false
}

// Clone returns a copy, so snapshots handed to subscribers cannot alias the
// writer's record.
func (p *Participant) Clone() *Participant {
	cp := *p
	return &cp
}
