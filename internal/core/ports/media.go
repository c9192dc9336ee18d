package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"meshroom/internal/core/domain"
)

// LocalMedia is the shared local capture: one audio and one video track
// attached by reference to every peer session. Peer sessions must not stop
// the tracks; only the room session reconfigures or closes the capture.
type LocalMedia interface {
	// Tracks returns the tracks to attach to a new peer session. Empty when
	// capture acquisition failed and the room runs without outgoing media.
	Tracks() []webrtc.TrackLocal
	// SetEnabled applies a media-state flag in place, without renegotiation:
	// FlagMuted gates the audio writer, FlagVideoOff the video writer.
	SetEnabled(flag domain.MediaFlag, value bool)
	Enabled(flag domain.MediaFlag) bool
	// AcquireScreen obtains the secondary capture source. It does not reach
	// existing peer sessions; see RoomSession.StartScreenShare.
	AcquireScreen() error
	ReleaseScreen()
	Close() error
}

// CaptureDevice acquires local media. Acquisition may fail (no device,
// permission denied); the room session then joins without outgoing media.
type CaptureDevice interface {
	Acquire() (LocalMedia, error)
}

// MediaSession is one opaque point-to-point media transport. Implementations
// invoke the On* callbacks from their own goroutines; callers re-synchronize
// through their own locking.
type MediaSession interface {
	// CreateOffer generates and applies the local offer.
	CreateOffer(ctx context.Context) (*domain.SessionDescription, error)
	// CreateAnswer generates and applies the local answer. Valid only after
	// a remote offer has been applied.
	CreateAnswer(ctx context.Context) (*domain.SessionDescription, error)
	ApplyRemoteDescription(desc *domain.SessionDescription) error
	AddICECandidate(cand *domain.ICECandidate) error
	AttachLocal(media LocalMedia) error
	// OnICECandidate registers a callback for locally gathered candidates.
	OnICECandidate(fn func(*domain.ICECandidate))
	// OnRemoteTrack registers a callback invoked once per arriving remote track.
	OnRemoteTrack(fn func())
	OnConnectionStateChange(fn func(domain.ConnectionState))
	Close() error
}

// MediaSessionFactory creates media sessions configured with the room's
// NAT-traversal helper servers.
type MediaSessionFactory interface {
	NewSession() (MediaSession, error)
}
