package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/pairing"
	"github.com/whisper/pairchat/internal/presence"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/room"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/stats"
	"github.com/whisper/pairchat/internal/store"
	"github.com/whisper/pairchat/internal/sweeper"
	"github.com/whisper/pairchat/internal/ws"
)

var log = logrus.WithField("component", "main")

// handlerTimeout bounds the store work done for one client event.
const handlerTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to an INI config file (default $"+config.EnvConfigPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.ApplyLogging(); err != nil {
		logrus.WithError(err).Fatal("invalid log settings")
	}
	iceServers, err := cfg.ICEServers()
	if err != nil {
		log.WithError(err).Fatal("invalid ICE servers")
	}

	if n, err := ws.RaiseFileLimit(); err != nil {
		log.WithError(err).Debug("file limit unchanged")
	} else {
		log.WithField("nofile", n).Debug("file limit raised")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- State ---
	kv := store.Open(ctx, store.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, store.WithStateHook(metrics.SetStoreDegraded))
	defer kv.Close()

	// Liveness is keyed per process run, not per host.
	online := presence.NewTracker(kv,
		presence.WithInstance(cfg.Server.Instance+"-"+uuid.NewString()[:8], presence.DefaultInstanceTTL))
	sessions := session.NewStore(kv, online.Instance(), cfg.Session.TTL)
	queue := matching.NewQueue(kv, cfg.Matching.QueueTTL)
	rooms := room.NewManager(kv, cfg.Room.TTL)
	filter := moderation.New(moderation.Options{
		Enabled:      cfg.Filter.Enabled,
		Terms:        cfg.Filter.Denylist,
		SpamPatterns: cfg.Filter.SpamPatterns,
		Leet:         cfg.Filter.Leet,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(kv)
	}

	// --- Optional NATS bus and report audit trail ---
	var bus *messaging.Bus
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultConfig(cfg.NATS.URL)
		natsCfg.Name = "pairchat-" + cfg.Server.Instance
		if bus, err = messaging.Connect(natsCfg); err != nil {
			log.WithError(err).Fatal("nats connect failed")
		}
		defer bus.Close()
	}

	var audit pairing.AuditLog
	if cfg.Database.URL != "" {
		reports, err := report.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("report database unavailable")
		}
		defer reports.Close()
		audit = reports
	}

	log.WithFields(logrus.Fields{
		"listen":    cfg.Server.ListenAddr,
		"instance":  online.Instance(),
		"redis":     cfg.Redis.Addr,
		"nats":      cfg.NATS.URL != "",
		"audit":     audit != nil,
		"ratelimit": limiter != nil,
	}).Info("pairchat server starting")

	// --- Transport and orchestration ---
	wsCfg := ws.DefaultServerConfig()
	wsCfg.ListenAddr = cfg.Server.ListenAddr
	wsCfg.MaxConnections = cfg.Server.MaxConnections
	wsCfg.ReadTimeout = cfg.Server.ReadTimeout
	wsCfg.WriteTimeout = cfg.Server.WriteTimeout
	wsCfg.TrustProxy = cfg.Server.TrustProxy

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsCfg, dispatcher.Dispatch)

	var remote pairing.RemoteBus
	if bus != nil {
		remote = bus
	}
	router := pairing.NewRouter(server, remote)

	collector := stats.NewCollector(online, queue, rooms)
	broadcaster := stats.NewBroadcaster(collector, cfg.Stats.Interval, func(ctx context.Context, s stats.Snapshot) {
		data, err := s.Event().Encode()
		if err != nil {
			log.WithError(err).Error("encode stats")
			return
		}
		server.Broadcast(data)
	})

	svc := pairing.New(pairing.Config{
		MatchRetries:    cfg.Matching.MatchRetries,
		BanDuration:     cfg.Moderation.BanDuration(),
		ReportThreshold: cfg.Moderation.ReportThreshold,
		ICEServers:      iceServers,
	}, pairing.Deps{
		Sessions: sessions,
		Presence: online,
		Queue:    queue,
		Engine:   matching.NewEngine(queue, nil),
		Rooms:    rooms,
		Relay:    relay.New(rooms, filter),
		Bans:     ban.NewStore(kv, cfg.Moderation.ReportTTL),
		Filter:   filter,
		Limiter:  limiter,
		Audit:    audit,
		OnChange: broadcaster.Notify,
	})

	registerHandlers(dispatcher, svc, router)

	server.SetOnConnect(func(c *ws.Connection) bool {
		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		ds, ok := svc.HandleConnect(hctx, c.ID, c.Addr)
		if ok && bus != nil {
			if err := bus.SubscribeClient(c.ID, messaging.Handlers{
				Deliver: func(data []byte, closeAfter bool) { server.Deliver(c.ID, data, closeAfter) },
				Kick:    func(reason string) { server.Kick(c.ID, reason) },
			}); err != nil {
				log.WithError(err).WithField("client", c.ID).Warn("bus subscribe failed, remote deliveries will be lost")
			}
		}
		relay.EmitAll(hctx, router, ds)
		return ok
	})

	server.SetOnDisconnect(func(c *ws.Connection) {
		if bus != nil {
			bus.UnsubscribeClient(c.ID)
		}
		// The process context may already be cancelled during shutdown.
		hctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		relay.EmitAll(hctx, router, svc.Disconnect(hctx, c.ID))
	})

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := collector.Snapshot(r.Context()).Event().Encode()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))

	// --- Background loops ---
	sw := sweeper.New(rooms, online, queue, router, cfg.Sweeper.Interval)
	sw.OnChange = broadcaster.Notify
	go online.RunHeartbeat(ctx)
	go sw.Run(ctx)
	go broadcaster.Run(ctx)
	go refreshSessions(ctx, server, sessions, cfg.Session.TTL/2)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	if bus != nil {
		if err := bus.Flush(); err != nil {
			log.WithError(err).Debug("nats flush")
		}
	}
}

// registerHandlers binds client message types to the service. Every handler
// emits what the service returns.
func registerHandlers(d *ws.MessageDispatcher, svc *pairing.Service, router relay.Emitter) {
	handle := func(msgType string, fn func(ctx context.Context, id string, msg interface{}) []relay.Delivery) {
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			defer cancel()
			relay.EmitAll(ctx, router, fn(ctx, conn.ID, msg))
		})
	}

	handle(protocol.TypeFindMatch, func(ctx context.Context, id string, msg interface{}) []relay.Delivery {
		return svc.FindMatch(ctx, id, msg.(protocol.FindMatchMsg).Interests)
	})
	handle(protocol.TypeSkip, func(ctx context.Context, id string, _ interface{}) []relay.Delivery {
		return svc.Skip(ctx, id)
	})
	handle(protocol.TypeCancelMatch, func(ctx context.Context, id string, _ interface{}) []relay.Delivery {
		return svc.Cancel(ctx, id)
	})
	forward := func(ctx context.Context, id string, msg interface{}) []relay.Delivery {
		return svc.Signal(ctx, id, msg.(protocol.SignalMsg))
	}
	handle(protocol.TypeOffer, forward)
	handle(protocol.TypeAnswer, forward)
	handle(protocol.TypeICECandidate, forward)
	handle(protocol.TypeSendText, func(ctx context.Context, id string, msg interface{}) []relay.Delivery {
		return svc.SendText(ctx, id, msg.(protocol.SendTextMsg).Text)
	})
	handle(protocol.TypeReport, func(ctx context.Context, id string, msg interface{}) []relay.Delivery {
		return svc.Report(ctx, id, msg.(protocol.ReportMsg).TargetID)
	})
}

// refreshSessions keeps the session records of local clients alive.
func refreshSessions(ctx context.Context, server *ws.Server, sessions *session.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range server.Connections().All() {
				if err := sessions.RefreshTTL(ctx, c.ID); err != nil {
					log.WithError(err).WithField("client", c.ID).Debug("session refresh failed")
				}
			}
		}
	}
}
