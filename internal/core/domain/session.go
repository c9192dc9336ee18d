package domain

// SessionRole names the two handshake roles. The initiator proposes an
// offer; the responder accepts with an answer.
type SessionRole string

const (
	RoleInitiator SessionRole = "initiator"
	RoleResponder SessionRole = "responder"
)

// HandshakeState tracks the offer/answer progression of one peer session.
//
// Initiator path: New -> HaveLocalOffer -> HaveRemoteAnswer -> Connected.
// Responder path: New -> HaveRemoteOffer -> HaveLocalAnswer -> Connected.
// Candidate application is valid in any non-Closed state. Connected persists
// until Close.
type HandshakeState string

const (
	StateNew              HandshakeState = "new"
	StateHaveLocalOffer   HandshakeState = "have_local_offer"
	StateHaveRemoteOffer  HandshakeState = "have_remote_offer"
	StateHaveLocalAnswer  HandshakeState = "have_local_answer"
	StateHaveRemoteAnswer HandshakeState = "have_remote_answer"
	StateConnected        HandshakeState = "connected"
	StateFailed           HandshakeState = "failed"
	StateClosed           HandshakeState = "closed"
)

// ConnectionState is what the opaque media transport reports back about one
// point-to-point session.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnFailed       ConnectionState = "failed"
	ConnDisconnected ConnectionState = "disconnected"
	ConnClosed       ConnectionState = "closed"
)

// InitiatorFor decides who initiates toward whom: the lexicographically
// smaller participant ID always becomes the initiator. Both sides evaluate
// the same deterministic rule, so a double-initiator race cannot arise from
// directory observation order.
func InitiatorFor(self, other ParticipantID) SessionRole {
	if self < other {
		return RoleInitiator
	}
	return RoleResponder
}
