package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v3"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/eventfeed"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/monitoring"
	redisstore "meshroom/internal/infrastructure/store/redis"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"
)

func main() {
	var (
		roomID     = flag.String("room", "", "room to join (required)")
		name       = flag.String("name", "", "display name (overrides config)")
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *roomID == "" {
		log.Fatal("missing required -room flag")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	client, err := redisstore.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
	if err != nil {
		log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
	}
	defer client.Close()

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	displayName := cfg.Room.DisplayName
	if *name != "" {
		displayName = *name
	}
	if displayName == "" {
		displayName = "anonymous"
	}

	self := &domain.Participant{
		ID:     domain.ParticipantID(utils.GenerateParticipantID()),
		Name:   displayName,
		Avatar: cfg.Room.Avatar,
	}

	collector := monitoring.NewPrometheusCollector()

	session := services.NewRoomSession(services.Deps{
		Directory: redisstore.NewDirectory(client, log),
		Signals:   redisstore.NewSignalChannel(client, log),
		Chat:      redisstore.NewChatLog(client, log),
		Media:     media.NewFactory(iceServers, log),
		Capture:   media.NewDevice(log),
		Metrics:   collector,
	}, log)

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), cfg.Timeouts.Join)
	err = session.Join(joinCtx, *roomID, self)
	cancelJoin()
	if err != nil {
		log.Fatalw("failed to join room", "room", *roomID, "error", err)
	}
	log.Infow("joined room", "room", *roomID, "participant_id", self.ID, "name", displayName)

	var feed *eventfeed.Server
	feedDone := make(chan struct{})
	if cfg.Feed.Enabled {
		feed = eventfeed.NewServer(cfg, session, log)
		go func() {
			defer close(feedDone)
			if err := feed.Run(session.Events()); err != nil {
				log.Errorw("event feed stopped", "error", err)
			}
		}()
	} else {
		// Without a feed the event stream still needs a consumer.
		go func() {
			defer close(feedDone)
			for range session.Events() {
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancelShutdown()

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), cfg.Timeouts.Leave)
	if err := session.Leave(leaveCtx); err != nil {
		log.Errorw("errors during leave", "error", err)
	}
	cancelLeave()

	if feed != nil {
		if err := feed.Shutdown(shutdownCtx); err != nil {
			log.Errorw("event feed shutdown failed", "error", err)
		}
	}
	<-feedDone

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracing shutdown failed", "error", err)
	}
}
