package eventfeed

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RoomView is the read-only slice of the room session the feed exposes.
type RoomView interface {
	Roster() []domain.RosterEntry
	Self() *domain.Participant
	Sessions() []services.SessionInfo
}

// Server fans the room's event stream out to local UI clients over
// WebSocket and exposes snapshot and health endpoints. It is the rendering
// boundary: consumers receive events and query the roster, nothing more.
type Server struct {
	cfg  *config.Config
	room RoomView

	mu      sync.Mutex
	clients map[*client]struct{}

	connLimiter *ipLimiterStore

	pingInterval time.Duration
	writeTimeout time.Duration

	httpSrv *http.Server
	logger  *zap.SugaredLogger
}

type client struct {
	conn    *websocket.Conn
	send    chan domain.Event
	limiter *rate.Limiter
}

// ipLimiterStore keeps one limiter per client IP.
type ipLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPLimiterStore(r rate.Limit, burst int) *ipLimiterStore {
	return &ipLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *ipLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func NewServer(cfg *config.Config, room RoomView, logger *zap.SugaredLogger) *Server {
	perMinute := rate.Limit(float64(cfg.Feed.ConnectionsPerMinute) / 60.0)
	return &Server{
		cfg:          cfg,
		room:         room,
		clients:      make(map[*client]struct{}),
		connLimiter:  newIPLimiterStore(perMinute, cfg.Feed.ConnectionsPerMinute),
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Run consumes the room's event stream until it is closed, fanning events
// out to connected clients, and serves HTTP on the configured address.
// Returns when the HTTP server stops.
func (s *Server) Run(events <-chan domain.Event) error {
	go s.pump(events)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Feed.Address,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Infow("event feed listening", "address", s.cfg.Feed.Address)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", s.handleWebSocket)
	router.GET("/roster", s.handleRoster)
	router.GET("/self", s.handleSelf)
	router.GET("/sessions", s.handleSessions)
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Shutdown stops the HTTP server and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	return err
}

func (s *Server) pump(events <-chan domain.Event) {
	for ev := range events {
		s.mu.Lock()
		for c := range s.clients {
			select {
			case c.send <- ev:
			default:
				// Slow consumer; the event is dropped, snapshots via /roster
				// let the client resynchronize.
				s.logger.Debugw("dropping event for slow feed client", "kind", ev.Kind)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ip := clientIP(c.Request)
	if !s.connLimiter.getLimiter(ip).Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "connection rate limit exceeded",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn:    conn,
		send:    make(chan domain.Event, 64),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Feed.MessagesPerSecond), s.cfg.Feed.Burst),
	}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()
	s.logger.Infow("feed client connected", "remote", conn.RemoteAddr().String())

	go s.writeLoop(cl)
	s.readLoop(cl)
}

// readLoop discards inbound frames; the feed is one-way. It returns when
// the client disconnects, which tears the client down.
func (s *Server) readLoop(cl *client) {
	defer s.removeClient(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(cl *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer cl.conn.Close()

	for {
		select {
		case ev, ok := <-cl.send:
			if !ok {
				cl.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.writeTimeout))
				return
			}
			if !cl.limiter.Allow() {
				continue
			}
			cl.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := cl.conn.WriteJSON(ev); err != nil {
				s.logger.Warnw("feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.send)
	}
	s.mu.Unlock()
	cl.conn.Close()
}

func (s *Server) handleRoster(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"roster": s.room.Roster()})
}

func (s *Server) handleSelf(c *gin.Context) {
	self := s.room.Self()
	if self == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not joined"})
		return
	}
	c.JSON(http.StatusOK, self)
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.room.Sessions()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
