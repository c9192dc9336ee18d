package domain

// SignalKind discriminates the signal message payload.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// SessionDescription carries an SDP blob. Opaque to the signaling layer;
// only the media transport interprets it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries one network candidate in the standard init shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is one step of a pairwise handshake, exchanged through the
// shared store. Append-only and never mutated; the payload is a tagged
// variant keyed by Kind: exactly one of Description or Candidate is set.
type SignalMessage struct {
	ID          string              `json:"id"`
	Kind        SignalKind          `json:"type"`
	From        ParticipantID       `json:"from"`
	To          ParticipantID       `json:"to"`
	Description *SessionDescription `json:"sdp,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

// Validate rejects malformed messages on receipt. Unknown kinds and
// kind/payload mismatches are errors; callers ignore such messages rather
// than failing the session.
func (m *SignalMessage) Validate() error {
	if m.From == "" || m.To == "" {
		return ErrMalformedSignal
	}
	switch m.Kind {
	case SignalOffer, SignalAnswer:
		if m.Description == nil || m.Description.SDP == "" || m.Candidate != nil {
			return ErrMalformedSignal
		}
	case SignalICECandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" || m.Description != nil {
			return ErrMalformedSignal
		}
	default:
		return ErrMalformedSignal
	}
	return nil
}
