package media

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

// Capture is the local media source: one opus audio track and one VP8 video
// track shared by reference with every peer session. The room's producer
// pushes RTP into WriteAudio/WriteVideo; the mute and camera flags gate the
// writers in place, so toggling them never renegotiates a session.
type Capture struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	screen  *webrtc.TrackLocalStaticRTP
	muted   bool
	noVideo bool
	sharing bool
	closed  bool

	logger *zap.SugaredLogger
}

// Device acquires local capture. Acquisition can fail; the caller joins the
// room without outgoing media in that case.
type Device struct {
	logger *zap.SugaredLogger
}

func NewDevice(logger *zap.SugaredLogger) *Device {
	return &Device{logger: logger}
}

func (d *Device) Acquire() (ports.LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"meshroom-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"meshroom-video",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	return &Capture{audio: audio, video: video, logger: d.logger}, nil
}

// Tracks returns the tracks attached to every new peer session. Peer
// sessions hold a non-owning reference; only Close stops the capture.
func (c *Capture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.audio, c.video}
}

func (c *Capture) SetEnabled(flag domain.MediaFlag, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch flag {
	case domain.FlagMuted:
		c.muted = value
	case domain.FlagVideoOff:
		c.noVideo = value
	case domain.FlagScreenSharing:
		c.sharing = value
	}
}

func (c *Capture) Enabled(flag domain.MediaFlag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch flag {
	case domain.FlagMuted:
		return c.muted
	case domain.FlagVideoOff:
		return c.noVideo
	case domain.FlagScreenSharing:
		return c.sharing
	}
	return false
}

// WriteAudio forwards one RTP packet to every attached session. Packets are
// dropped while muted, mirroring a disabled track.
func (c *Capture) WriteAudio(pkt *rtp.Packet) error {
	c.mu.Lock()
	drop := c.muted || c.closed
	c.mu.Unlock()
	if drop {
		return nil
	}
	return c.audio.WriteRTP(pkt)
}

// WriteVideo forwards one RTP packet unless the camera flag is off.
func (c *Capture) WriteVideo(pkt *rtp.Packet) error {
	c.mu.Lock()
	drop := c.noVideo || c.closed
	c.mu.Unlock()
	if drop {
		return nil
	}
	return c.video.WriteRTP(pkt)
}

// AcquireScreen obtains the secondary capture source. The track is not
// attached to existing peer sessions; see RoomSession.StartScreenShare for
// the renegotiation limitation.
func (c *Capture) AcquireScreen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrCaptureUnavailable
	}
	if c.screen != nil {
		return nil
	}

	screen, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		"meshroom-screen",
	)
	if err != nil {
		return fmt.Errorf("failed to create screen track: %w", err)
	}
	c.screen = screen
	return nil
}

func (c *Capture) ReleaseScreen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = nil
}

// WriteScreen forwards one RTP packet to the screen track, if acquired.
func (c *Capture) WriteScreen(pkt *rtp.Packet) error {
	c.mu.Lock()
	screen := c.screen
	closed := c.closed
	c.mu.Unlock()
	if screen == nil || closed {
		return nil
	}
	return screen.WriteRTP(pkt)
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.screen = nil
	return nil
}
