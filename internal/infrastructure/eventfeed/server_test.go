package eventfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/pkg/config"
)

type fakeRoom struct {
	roster   []domain.RosterEntry
	self     *domain.Participant
	sessions []services.SessionInfo
}

func (f *fakeRoom) Roster() []domain.RosterEntry    { return f.roster }
func (f *fakeRoom) Self() *domain.Participant       { return f.self }
func (f *fakeRoom) Sessions() []services.SessionInfo { return f.sessions }

func newTestServer(t *testing.T, room *fakeRoom) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	srv := NewServer(cfg, room, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeRoom{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRosterEndpoint(t *testing.T) {
	room := &fakeRoom{
		roster: []domain.RosterEntry{
			{Participant: &domain.Participant{ID: "p_a", Name: "Alice"}, HasFeed: true},
		},
	}
	_, ts := newTestServer(t, room)

	resp, err := http.Get(ts.URL + "/roster")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestSelfEndpointBeforeJoin(t *testing.T) {
	_, ts := newTestServer(t, &fakeRoom{})

	resp, err := http.Get(ts.URL + "/self")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsReachWebSocketClient(t *testing.T) {
	srv, ts := newTestServer(t, &fakeRoom{})

	events := make(chan domain.Event, 1)
	go srv.pump(events)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Registration is synchronous with the upgrade returning, but give the
	// write loop a moment to start.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events <- domain.Event{Kind: domain.EventFeedAvailable, PeerID: "p_b", Timestamp: time.Now()}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.EventFeedAvailable, got.Kind)
	assert.Equal(t, domain.ParticipantID("p_b"), got.PeerID)
}

func TestConnectionRateLimit(t *testing.T) {
	room := &fakeRoom{}
	cfg := config.DefaultConfig()
	cfg.Feed.ConnectionsPerMinute = 1
	srv := NewServer(cfg, room, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp2)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
}
