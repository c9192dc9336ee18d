package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

// RosterListener receives the render-ready participant list after every
// directory change.
type RosterListener func(participants []*domain.Participant)

// PresenceSync mirrors the local participant record into the directory and
// diffs incoming directory snapshots into newcomer and departure calls on
// the peer manager.
type PresenceSync struct {
	room     string
	dir      ports.Directory
	mgr      *PeerManager
	onRoster RosterListener
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	self  *domain.Participant
	known map[domain.ParticipantID]struct{}
}

func NewPresenceSync(
	room string,
	self *domain.Participant,
	dir ports.Directory,
	mgr *PeerManager,
	onRoster RosterListener,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *PresenceSync {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if onRoster == nil {
		onRoster = func([]*domain.Participant) {}
	}
	return &PresenceSync{
		room:     room,
		dir:      dir,
		mgr:      mgr,
		onRoster: onRoster,
		metrics:  metrics,
		logger:   logger,
		self:     self.Clone(),
		known:    make(map[domain.ParticipantID]struct{}),
	}
}

// PublishSelf upserts the local presence record with the current flags and
// a fresh lastSeen stamp.
func (p *PresenceSync) PublishSelf(ctx context.Context) error {
	p.mu.Lock()
	p.self.LastSeen = time.Now()
	record := p.self.Clone()
	p.mu.Unlock()

	return p.dir.Publish(ctx, p.room, record)
}

// SetFlag updates one local media-state flag and republishes the record.
// Flag changes never renegotiate media sessions; remote members observe the
// flag through the directory, independent of track enablement.
func (p *PresenceSync) SetFlag(ctx context.Context, flag domain.MediaFlag, value bool) error {
	p.mu.Lock()
	p.self.SetFlag(flag, value)
	p.mu.Unlock()
	return p.PublishSelf(ctx)
}

// Self returns a copy of the local record.
func (p *PresenceSync) Self() *domain.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self.Clone()
}

// Withdraw deletes the local presence record (graceful leave).
func (p *PresenceSync) Withdraw(ctx context.Context) error {
	p.mu.Lock()
	id := p.self.ID
	p.mu.Unlock()
	return p.dir.Remove(ctx, p.room, id)
}

// HandleSnapshot diffs one full directory snapshot against the last known
// set: arrivals open sessions, departures close them. Departure covers both
// graceful leave and ungraceful exit; the record disappearing is the only
// teardown signal.
func (p *PresenceSync) HandleSnapshot(ctx context.Context, records []*domain.Participant) {
	p.mu.Lock()
	selfID := p.self.ID

	current := make(map[domain.ParticipantID]struct{}, len(records))
	var arrivals []domain.ParticipantID
	for _, rec := range records {
		current[rec.ID] = struct{}{}
		if rec.ID == selfID {
			continue
		}
		if _, ok := p.known[rec.ID]; !ok {
			arrivals = append(arrivals, rec.ID)
		}
	}

	var departures []domain.ParticipantID
	for id := range p.known {
		if _, ok := current[id]; !ok {
			departures = append(departures, id)
		}
	}
	p.known = current
	p.mu.Unlock()

	for _, id := range arrivals {
		p.logger.Infow("participant arrived", "room", p.room, "peer_id", id)
		p.mgr.HandleNewcomer(ctx, id)
	}
	for _, id := range departures {
		p.logger.Infow("participant departed", "room", p.room, "peer_id", id)
		p.mgr.HandleDeparture(id)
	}

	p.metrics.RosterSize(len(records))
	p.onRoster(records)
}
