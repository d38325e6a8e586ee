// Command relaypushd boots the whole service: the publish/registration
// HTTP surface and the WebSocket connection surface, both sharing one
// Redis-backed storage driver, one device RegistryIndex, and one
// ReliabilityTracker. Bootstrap follows tr1d1um.go's shape directly: a
// pflag.FlagSet feeding viper (via internal/config), gorilla/mux routers,
// and a concurrent.Execute/server.SignalWait graceful-shutdown pair.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"github.com/xmidt-org/webpa-common/concurrent"
	"github.com/xmidt-org/webpa-common/server"

	"github.com/relaypush/relaypush/internal/bridge"
	"github.com/relaypush/relaypush/internal/broadcast"
	"github.com/relaypush/relaypush/internal/config"
	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/message"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/publish"
	"github.com/relaypush/relaypush/internal/reliability"
	"github.com/relaypush/relaypush/internal/router"
	"github.com/relaypush/relaypush/internal/session"
	storageredis "github.com/relaypush/relaypush/internal/storage/redis"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(arguments []string) int {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.New(arguments)
	if err != nil {
		level.Error(logger).Log("msg", "unable to load configuration", "error", err)
		return 1
	}

	keyring, err := buildKeyring(cfg)
	if err != nil {
		level.Error(logger).Log("msg", "unable to build endpoint-token keyring", "error", err)
		return 1
	}

	retryCounter := kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "relaypushd",
		Name:      "http_retries_total",
		Help:      "Total retried HTTP transactions, by outbound client.",
	}, []string{"client"})

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: cfg.RedisPoolSize,
	})
	driver := storageredis.NewWithClient(redisClient)

	routerStore := router.New(driver, cfg.RouterVersionRetry)
	messageStore := message.New(driver)
	registry := session.NewRegistry()

	catalog := broadcast.New(broadcast.NewRedisSource(redisClient), cfg.BroadcastPoll, logger)

	bridgeRouter, err := buildBridgeRouter(cfg)
	if err != nil {
		level.Error(logger).Log("msg", "unable to configure bridge providers", "error", err)
		return 1
	}

	tracker, sweeper, closeDurableLog, err := buildReliability(redisClient, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "unable to configure reliability tracker", "error", err)
		return 1
	}
	if closeDurableLog != nil {
		defer closeDurableLog()
	}

	remoteRetryCounter := retryCounter.With("client", "remote-notify")
	notifier := publish.NewNotifier(
		cfg.Node,
		publish.NewRegistryNotifier(registry),
		publish.NewRemoteNotifier(logger, cfg.DirectNotifyTimeout, cfg.RouterVersionRetry, remoteRetryCounter),
	)

	publishService := publish.New(publish.Options{
		Keyring:  keyring,
		Router:   routerStore,
		Messages: messageStore,
		Notifier: notifier,
		Bridges:  bridgeRouter,
		Tracker:  tracker,
		Node:     cfg.Node,
		Logger:   logger,
	})

	registrationService := publish.NewRegistrationService(routerStore, keyring)

	publishRouter := mux.NewRouter()
	publishRouter.Use(otelmux.Middleware("relaypushd"))
	publish.NewHandler(publishRouter, publishService, logger)
	publish.NewRegistrationHandler(publishRouter, registrationService)
	publish.NewInterNodeHandler(publishRouter, registry)
	publishRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	wsHandler := session.NewHandler(session.Deps{
		Router:     routerStore,
		Messages:   messageStore,
		Broadcasts: catalog,
		Registry:   registry,
		Endpoint:   publishEndpointBuilder(cfg, keyring),
		Tracker:    tracker,
		Node:       cfg.Node,

		IdentTimeout:   cfg.IdentTimeout,
		PingTimeout:    cfg.PingTimeout,
		PingPeriod:     cfg.PingPeriod,
		MaxPendingAcks: cfg.MaxPendingAcks,

		Logger: logger,
	})
	wsRouter := mux.NewRouter()
	wsRouter.Handle("/ws", wsHandler)

	publishSrv := &http.Server{Addr: cfg.ListenAddr, Handler: publishRouter}
	wsSrv := &http.Server{Addr: cfg.WSListenAddr, Handler: wsRouter}

	catalogCtx, cancelCatalog := context.WithCancel(context.Background())
	defer cancelCatalog()
	go catalog.Run(catalogCtx)

	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	defer cancelSweeper()
	go sweeper.Run(sweeperCtx)

	waitGroup, shutdown, err := concurrent.Execute(
		runnableServer{publishSrv},
		runnableServer{wsSrv},
	)
	if err != nil {
		level.Error(logger).Log("msg", "unable to start relaypushd", "error", err)
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals)
	sig := server.SignalWait(logger, signals, os.Kill, os.Interrupt)
	level.Info(logger).Log("msg", "exiting due to signal", "signal", sig)
	close(shutdown)
	waitGroup.Wait()

	return 0
}

// runnableServer adapts an *http.Server to webpa-common/concurrent.Runnable:
// it serves until either ListenAndServe fails or shutdown is closed, in
// which case it drains the server with a bounded grace period.
type runnableServer struct {
	srv *http.Server
}

func (r runnableServer) Run(shutdown <-chan struct{}, waitGroup *sync.WaitGroup) error {
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.srv.Shutdown(ctx)
	}()

	if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildKeyring(cfg *config.Config) (*publish.Keyring, error) {
	if len(cfg.KeyringKeys) == 0 {
		return nil, fmt.Errorf("config: keyring.keys must list at least one hex-encoded 32-byte key")
	}
	keys := make([][]byte, 0, len(cfg.KeyringKeys))
	for _, hexKey := range cfg.KeyringKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("config: keyring.keys: %w", err)
		}
		keys = append(keys, raw)
	}
	return publish.NewKeyring(keys)
}

// publishEndpointBuilder mints the same sealed-token endpoint URL the
// Registration HTTP path hands mobile-bridge devices, so a websocket
// device's Register response carries an equally opaque, equally
// keyring-rotatable push endpoint.
func publishEndpointBuilder(cfg *config.Config, keyring *publish.Keyring) session.EndpointBuilder {
	return func(uaid, chid deviceid.ID) string {
		token, err := keyring.Seal(publish.EndpointToken{UAID: uaid, ChannelID: chid})
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s/wpush/v1/%s", cfg.Node, token)
	}
}

func buildBridgeRouter(cfg *config.Config) (*bridge.Router, error) {
	r := bridge.NewRouter()

	if cfg.APNSCertificatePath != "" && cfg.APNSKeyPath != "" {
		certPEM, err := os.ReadFile(cfg.APNSCertificatePath)
		if err != nil {
			return nil, fmt.Errorf("bridge: reading apns certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.APNSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("bridge: reading apns key: %w", err)
		}
		provider, err := bridge.NewAPNSProvider(bridge.APNSConfig{
			CertificatePEM: certPEM,
			KeyPEM:         keyPEM,
			Topic:          cfg.APNSTopic,
			Production:     cfg.APNSProduction,
		})
		if err != nil {
			return nil, err
		}
		r.Register(model.RouterAPNS, provider)
	}

	if cfg.FCMCredentialsPath != "" {
		credentials, err := os.ReadFile(cfg.FCMCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("bridge: reading fcm credentials: %w", err)
		}
		provider, err := bridge.NewFCMProvider(context.Background(), bridge.FCMConfig{ServiceAccountJSON: credentials})
		if err != nil {
			return nil, err
		}
		r.Register(model.RouterFCM, provider)
	}

	return r, nil
}

// buildReliability wires the ReliabilityTracker's two halves: Redis for the
// fast-changing counter/expiry state (sharing the process's one Redis
// client), Postgres (via sqlx+pgx) for the durable per-message log. The
// tracker degrades to a no-op durable log when PostgresDSN is unset, so a
// deployment that doesn't care about long-term delivery analytics isn't
// forced to stand up a database.
func buildReliability(redisClient *goredis.Client, cfg *config.Config, logger log.Logger) (*reliability.Tracker, *reliability.Sweeper, func(), error) {
	counters := reliability.NewRedisCounterStore(redisClient)

	var (
		durableLog reliability.DurableLog
		closeDB    func()
	)
	if cfg.PostgresDSN != "" {
		db, err := sqlx.Connect("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("reliability: connecting to postgres: %w", err)
		}
		if err := reliability.Migrate(db.DB); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("reliability: running migrations: %w", err)
		}
		durableLog = reliability.NewSQLLog(db)
		closeDB = func() { db.Close() }
	} else {
		durableLog = noopDurableLog{}
	}

	tracker := reliability.New(counters, durableLog, logger)
	sweeper := reliability.NewSweeper(tracker, counters, cfg.ReliabilitySweepInterval, logger)
	return tracker, sweeper, closeDB, nil
}

// noopDurableLog is used when no Postgres DSN is configured: terminal
// milestones are still tracked in Redis's counter/expiry half, just not
// persisted for long-term analysis.
type noopDurableLog struct{}

func (noopDurableLog) Record(context.Context, reliability.LogRow) error { return nil }
