package ports

import "time"

// Metrics receives room runtime measurements. Implementations must be safe
// for concurrent use; a nil Metrics is replaced with a no-op by consumers.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	SignalSent(kind string)
	SignalReceived(kind string)
	SignalAppendFailed()
	SignalIgnored(reason string)
	HandshakeCompleted(d time.Duration)
	FeedAvailable()
	FeedLost()
	RosterSize(n int)
}
