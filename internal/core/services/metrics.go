package services

import "time"

// nopMetrics keeps the services usable without a metrics backend.
type nopMetrics struct{}

func (nopMetrics) SessionOpened()                      {}
func (nopMetrics) SessionClosed()                      {}
func (nopMetrics) SignalSent(string)                   {}
func (nopMetrics) SignalReceived(string)               {}
func (nopMetrics) SignalAppendFailed()                 {}
func (nopMetrics) SignalIgnored(string)                {}
func (nopMetrics) HandshakeCompleted(time.Duration)    {}
func (nopMetrics) FeedAvailable()                      {}
func (nopMetrics) FeedLost()                           {}
func (nopMetrics) RosterSize(int)                      {}
